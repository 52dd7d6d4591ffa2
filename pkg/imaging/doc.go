/*
Package imaging produces photo derivatives (thumbnails and previews)
from original files on disk. Sources are decoded once with EXIF
orientation applied, scaled to fit the requested box without enlarging,
and written as JPEG. Unsupported formats and missing sources are
reported per derivative with typed errors so callers can classify them
as non-retryable.
*/
package imaging
