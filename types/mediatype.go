package types

const (
	// MediaTypeDocker2Manifest is the media type when pushing or pulling manifests from a v2 registry
	MediaTypeDocker2Manifest = "application/vnd.docker.distribution.manifest.v2+json"
	// MediaTypeDocker2ImageConfig is for the configuration json object media type
	MediaTypeDocker2ImageConfig = "application/vnd.docker.container.image.v1+json"
	// MediaTypeDocker2Layer is the default compressed layer for docker schema2
	MediaTypeDocker2Layer = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	// MediaTypeDocker2LayerUncompressed is an uncompressed layer for docker schema2
	MediaTypeDocker2LayerUncompressed = "application/vnd.docker.image.rootfs.diff.tar"
	// MediaTypeOctetStream is the content type for blob uploads
	MediaTypeOctetStream = "application/octet-stream"
)
