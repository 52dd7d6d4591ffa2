/*
Package fsstore manages the on-disk layout of photo projects: one
folder per project under {projects_root}/{tenant_id}/, holding original
files plus .thumb/ and .preview/ derivative subdirectories. All
destructive operations are rooted so a bad path can never reach outside
the projects root.
*/
package fsstore
