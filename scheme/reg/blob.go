package reg

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/tarpush/tarpush/internal/reghttp"
	"github.com/tarpush/tarpush/internal/wraperr"
	"github.com/tarpush/tarpush/types"
)

// BlobSource produces a fresh finite byte stream for each call. Every upload
// attempt consumes one stream; retries reopen rather than rewind.
type BlobSource func() (io.ReadCloser, error)

// BlobHead is used to verify if a blob exists and is accessible
func (reg *Reg) BlobHead(ctx context.Context, repository string, d digest.Digest) (bool, error) {
	req := &reghttp.Req{
		Method:     "HEAD",
		Repository: repository,
		Path:       "blobs/" + d.String(),
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return false, fmt.Errorf("failed to request blob head, digest %s, repo %s: %w", d, repository, err)
	}
	defer resp.Close()
	switch resp.HTTPResponse().StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, fmt.Errorf("failed to request blob head, digest %s, repo %s: %w", d, repository, reghttp.StatusError(resp))
}

// BlobGet retrieves a blob, returning a reader that verifies the digest at EOF
func (reg *Reg) BlobGet(ctx context.Context, repository string, d digest.Digest) (io.ReadCloser, error) {
	req := &reghttp.Req{
		Method:     "GET",
		Repository: repository,
		Path:       "blobs/" + d.String(),
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get blob, digest %s, repo %s: %w", d, repository, err)
	}
	if resp.HTTPResponse().StatusCode != http.StatusOK {
		defer resp.Close()
		return nil, fmt.Errorf("failed to get blob, digest %s, repo %s: %w", d, repository, reghttp.StatusError(resp))
	}
	return newVerifyReader(resp, d), nil
}

// BlobDelete removes a blob from the repository
func (reg *Reg) BlobDelete(ctx context.Context, repository string, d digest.Digest) error {
	req := &reghttp.Req{
		Method:     "DELETE",
		Repository: repository,
		Path:       "blobs/" + d.String(),
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to delete blob, digest %s, repo %s: %w", d, repository, err)
	}
	defer resp.Close()
	if resp.HTTPResponse().StatusCode != http.StatusAccepted {
		return fmt.Errorf("failed to delete blob, digest %s, repo %s: %w", d, repository, reghttp.StatusError(resp))
	}
	return nil
}

// BlobPut uploads a blob to a repository. The upload begins with a HEAD so a
// blob already present is skipped, making a repeated push idempotent. Blobs
// strictly smaller than the monolithic threshold are sent with a single PUT;
// larger blobs use the chunked POST, PATCH, PUT sequence.
func (reg *Reg) BlobPut(ctx context.Context, repository string, d digest.Digest, size int64, src BlobSource) error {
	exists, err := reg.BlobHead(ctx, repository, d)
	if err != nil {
		return uploadErr(d, "head", err)
	}
	if exists {
		reg.log.WithFields(logrus.Fields{
			"repo":   repository,
			"digest": d,
		}).Debug("Blob already exists, skipping upload")
		return nil
	}

	if size >= 0 && size < reg.blobMaxPut {
		return reg.blobPutMonolithic(ctx, repository, d, size, src)
	}
	return reg.blobPutChunked(ctx, repository, d, src)
}

// blobPutMonolithic sends the whole blob in a single request
func (reg *Reg) blobPutMonolithic(ctx context.Context, repository string, d digest.Digest, size int64, src BlobSource) error {
	query := url.Values{}
	query.Set("digest", d.String())
	header := http.Header{
		"Content-Type": {types.MediaTypeOctetStream},
	}
	req := &reghttp.Req{
		Method:     "PUT",
		Repository: repository,
		Path:       "blobs/uploads/",
		Query:      query,
		Headers:    header,
		BodyFunc:   src,
		BodyLen:    size,
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return uploadErr(d, "finalize", err)
	}
	defer resp.Close()
	if resp.HTTPResponse().StatusCode != http.StatusCreated {
		return uploadErr(d, "finalize", reghttp.StatusError(resp))
	}
	respDigest := resp.HTTPResponse().Header.Get("Docker-Content-Digest")
	if respDigest != "" && respDigest != d.String() {
		return uploadErr(d, "finalize",
			fmt.Errorf("registry digest %s, expected %s: %w", respDigest, d, types.ErrDigestMismatch))
	}
	return nil
}

// blobPutChunked runs the POST, PATCH sequence, PUT state machine
func (reg *Reg) blobPutChunked(ctx context.Context, repository string, d digest.Digest, src BlobSource) error {
	sessionURL, err := reg.blobGetUploadURL(ctx, repository)
	if err != nil {
		return uploadErr(d, "open-session", err)
	}

	rdr, err := src()
	if err != nil {
		return uploadErr(d, "open-session", fmt.Errorf("failed to open blob source: %w", err))
	}
	defer rdr.Close()

	chunkBuf := make([]byte, reg.blobChunkSize)
	chunkStart := int64(0)
	finalChunk := false
	for !finalChunk {
		chunkSize, err := io.ReadFull(rdr, chunkBuf)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			finalChunk = true
		} else if err != nil {
			return uploadErr(d, fmt.Sprintf("chunk@%d", chunkStart), fmt.Errorf("failed to read blob source: %w", err))
		}
		if chunkSize == 0 {
			// a zero-length PATCH is never sent
			break
		}
		chunk := chunkBuf[:chunkSize]
		sessionURL, err = reg.blobPatchChunk(ctx, sessionURL, chunk, chunkStart)
		if err != nil {
			return uploadErr(d, fmt.Sprintf("chunk@%d", chunkStart), err)
		}
		chunkStart += int64(chunkSize)
	}

	if err := reg.blobFinalize(ctx, sessionURL, d); err != nil {
		return uploadErr(d, "finalize", err)
	}
	return nil
}

// blobGetUploadURL opens an upload session and returns its resolved URL
func (reg *Reg) blobGetUploadURL(ctx context.Context, repository string) (*url.URL, error) {
	req := &reghttp.Req{
		Method:     "POST",
		Repository: repository,
		Path:       "blobs/uploads/",
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to send blob post, repo %s: %w", repository, err)
	}
	defer resp.Close()
	if resp.HTTPResponse().StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("failed to send blob post, repo %s: %w", repository, reghttp.StatusError(resp))
	}
	return resolveLocation(resp)
}

// blobPatchChunk sends one chunk, returning the next session URL. Chunks are
// strictly ordered: the next is sent only after this one is acknowledged.
func (reg *Reg) blobPatchChunk(ctx context.Context, sessionURL *url.URL, chunk []byte, chunkStart int64) (*url.URL, error) {
	header := http.Header{
		"Content-Type":  {types.MediaTypeOctetStream},
		"Content-Range": {fmt.Sprintf("%d-%d", chunkStart, chunkStart+int64(len(chunk)))},
	}
	req := &reghttp.Req{
		Method:    "PATCH",
		DirectURL: sessionURL,
		Headers:   header,
		BodyBytes: chunk,
		BodyLen:   int64(len(chunk)),
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to send blob chunk: %w", err)
	}
	defer resp.Close()
	if resp.HTTPResponse().StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("failed to send blob chunk: %w", reghttp.StatusError(resp))
	}
	reg.log.WithFields(logrus.Fields{
		"chunkStart": chunkStart,
		"chunkSize":  len(chunk),
	}).Debug("Chunk accepted")
	// the registry may relocate the session between chunks
	if resp.HTTPResponse().Header.Get("Location") != "" {
		return resolveLocation(resp)
	}
	return sessionURL, nil
}

// blobFinalize closes the session with a zero-length PUT carrying the digest
func (reg *Reg) blobFinalize(ctx context.Context, sessionURL *url.URL, d digest.Digest) error {
	// append digest to the session URL, which may already carry a query
	putURL := *sessionURL
	if putURL.RawQuery != "" {
		putURL.RawQuery = putURL.RawQuery + "&digest=" + url.QueryEscape(d.String())
	} else {
		putURL.RawQuery = "digest=" + url.QueryEscape(d.String())
	}
	req := &reghttp.Req{
		Method:    "PUT",
		DirectURL: &putURL,
		BodyLen:   0,
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to finalize blob upload: %w", err)
	}
	defer resp.Close()
	if resp.HTTPResponse().StatusCode != http.StatusCreated {
		return fmt.Errorf("failed to finalize blob upload: %w", reghttp.StatusError(resp))
	}
	respDigest := resp.HTTPResponse().Header.Get("Docker-Content-Digest")
	if respDigest != "" && respDigest != d.String() {
		return fmt.Errorf("registry digest %s, expected %s: %w", respDigest, d, types.ErrDigestMismatch)
	}
	return nil
}

// resolveLocation resolves a possibly relative Location header against the request URL
func resolveLocation(resp *reghttp.Resp) (*url.URL, error) {
	location := resp.HTTPResponse().Header.Get("Location")
	if location == "" {
		return nil, types.ErrMissingLocation
	}
	reqURL := resp.HTTPResponse().Request.URL
	u, err := reqURL.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("upload location %q invalid: %w", location, err)
	}
	return u, nil
}

// uploadErr names the digest and failing phase, matching both the cause and
// the upload-failed sentinel under errors.Is
func uploadErr(d digest.Digest, phase string, err error) error {
	return wraperr.New(fmt.Errorf("blob upload failed, digest %s, phase %s: %w", d, phase, err), types.ErrUploadFailed)
}

// verifyReader checks the digest of the streamed content at EOF
type verifyReader struct {
	rdr      io.ReadCloser
	digester digest.Digester
	expect   digest.Digest
	failed   bool
}

func newVerifyReader(rdr io.ReadCloser, d digest.Digest) *verifyReader {
	return &verifyReader{
		rdr:      rdr,
		digester: digest.Canonical.Digester(),
		expect:   d,
	}
}

func (vr *verifyReader) Read(b []byte) (int, error) {
	i, err := vr.rdr.Read(b)
	if i > 0 {
		_, _ = vr.digester.Hash().Write(b[:i])
	}
	if err == io.EOF && !vr.failed {
		if vr.digester.Digest() != vr.expect {
			vr.failed = true
			return i, fmt.Errorf("expected %s, computed %s: %w", vr.expect, vr.digester.Digest(), types.ErrDigestMismatch)
		}
	}
	return i, err
}

func (vr *verifyReader) Close() error {
	return vr.rdr.Close()
}
