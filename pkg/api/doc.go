/*
Package api is the REST + SSE surface of the server: project and photo
management, job submission and inspection, public asset access behind
hashed links, and the two event streams (job progress and
pending-changes snapshots) consumed by the browser client.
*/
package api
