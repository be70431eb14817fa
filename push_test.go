package tarpush

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/tarpush/tarpush/internal/reqresp"
	"github.com/tarpush/tarpush/tarfile"
	"github.com/tarpush/tarpush/types"
	"github.com/tarpush/tarpush/types/manifest"
	"github.com/tarpush/tarpush/types/ref"
)

var (
	testConfBytes  = []byte(`{"architecture":"amd64","os":"linux"}`)
	testLayerBytes = []byte("test layer bytes\n")
)

type testTarEntry struct {
	name string
	body []byte
}

func writeTestTar(t *testing.T, entries []testTarEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.tar")
	fh, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer fh.Close()
	tw := tar.NewWriter(fh)
	for _, e := range entries {
		hdr := tar.Header{
			Name: e.name,
			Mode: 0644,
			Size: int64(len(e.body)),
		}
		if err := tw.WriteHeader(&hdr); err != nil {
			t.Fatalf("failed to write header %s: %v", e.name, err)
		}
		if _, err := tw.Write(e.body); err != nil {
			t.Fatalf("failed to write body %s: %v", e.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar: %v", err)
	}
	return path
}

func testBundle(t *testing.T, repoTags string) *tarfile.Bundle {
	t.Helper()
	manifestJSON := []byte(fmt.Sprintf(`[{"Config":"c.json","RepoTags":%s,"Layers":["l.tar"]}]`, repoTags))
	path := writeTestTar(t, []testTarEntry{
		{name: "manifest.json", body: manifestJSON},
		{name: "c.json", body: testConfBytes},
		{name: "l.tar", body: testLayerBytes},
	})
	f, err := tarfile.New(path)
	if err != nil {
		t.Fatalf("failed to open tar: %v", err)
	}
	b, err := f.Bundle()
	if err != nil {
		t.Fatalf("failed to decode bundle: %v", err)
	}
	return b
}

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(
		WithBaseURL(baseURL),
		WithRetry(3, time.Millisecond),
	)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return c
}

// expectedManifest mirrors the manifest the client assembles for testBundle
func expectedManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Build(
		types.Descriptor{
			MediaType: types.MediaTypeDocker2ImageConfig,
			Size:      int64(len(testConfBytes)),
			Digest:    digest.FromBytes(testConfBytes),
		},
		[]types.Descriptor{
			{
				MediaType: types.MediaTypeDocker2LayerUncompressed,
				Size:      int64(len(testLayerBytes)),
				Digest:    digest.FromBytes(testLayerBytes),
			},
		},
	)
	if err != nil {
		t.Fatalf("failed to build expected manifest: %v", err)
	}
	return m
}

func pingEntry() reqresp.ReqResp {
	return reqresp.ReqResp{
		ReqEntry: reqresp.ReqEntry{
			Name:   "GET /v2/",
			Method: "GET",
			Path:   "/v2/",
		},
		RespEntry: reqresp.RespEntry{
			Status: http.StatusOK,
			Headers: http.Header{
				"Docker-Distribution-API-Version": {"registry/2.0"},
			},
		},
	}
}

func blobUploadEntries(repo string, d digest.Digest, body []byte, delOnUse bool) []reqresp.ReqResp {
	return []reqresp.ReqResp{
		{
			ReqEntry: reqresp.ReqEntry{
				Name:     "HEAD " + d.String()[:19],
				DelOnUse: delOnUse,
				Method:   "HEAD",
				Path:     "/v2/" + repo + "/blobs/" + d.String(),
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusNotFound,
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:     "PUT " + d.String()[:19],
				DelOnUse: delOnUse,
				Method:   "PUT",
				Path:     "/v2/" + repo + "/blobs/uploads/",
				Query: map[string][]string{
					"digest": {d.String()},
				},
				Body: body,
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusCreated,
				Headers: http.Header{
					"Docker-Content-Digest": {d.String()},
				},
			},
		},
	}
}

func blobExistsEntry(repo string, d digest.Digest, size int) reqresp.ReqResp {
	return reqresp.ReqResp{
		ReqEntry: reqresp.ReqEntry{
			Name:   "HEAD exists " + d.String()[:19],
			Method: "HEAD",
			Path:   "/v2/" + repo + "/blobs/" + d.String(),
		},
		RespEntry: reqresp.RespEntry{
			Status: http.StatusOK,
			Headers: http.Header{
				"Content-Length":        {fmt.Sprintf("%d", size)},
				"Docker-Content-Digest": {d.String()},
			},
		},
	}
}

func manifestPutEntry(repo, tag string, m *manifest.Manifest) reqresp.ReqResp {
	raw, _ := m.RawBody()
	return reqresp.ReqResp{
		ReqEntry: reqresp.ReqEntry{
			Name:   "PUT manifest " + tag,
			Method: "PUT",
			Path:   "/v2/" + repo + "/manifests/" + tag,
			Headers: http.Header{
				"Content-Type": {types.MediaTypeDocker2Manifest},
			},
			Body: raw,
		},
		RespEntry: reqresp.RespEntry{
			Status: http.StatusCreated,
			Headers: http.Header{
				"Docker-Content-Digest": {m.GetDigest().String()},
			},
		},
	}
}

func TestImagePush(t *testing.T) {
	bundle := testBundle(t, `["app:latest"]`)
	m := expectedManifest(t)
	confDigest := digest.FromBytes(testConfBytes)
	layerDigest := digest.FromBytes(testLayerBytes)

	// first push uploads both blobs, second push finds them and only puts
	// the manifest again
	rrs := []reqresp.ReqResp{pingEntry()}
	rrs = append(rrs, blobUploadEntries("app", confDigest, testConfBytes, true)...)
	rrs = append(rrs, blobUploadEntries("app", layerDigest, testLayerBytes, true)...)
	rrs = append(rrs,
		blobExistsEntry("app", confDigest, len(testConfBytes)),
		blobExistsEntry("app", layerDigest, len(testLayerBytes)),
		manifestPutEntry("app", "latest", m),
	)
	ts := httptest.NewServer(reqresp.NewHandler(t, rrs))
	defer ts.Close()
	c := testClient(t, ts.URL)
	ctx := context.Background()

	r, _ := ref.New("app", "latest")
	d1, err := c.ImagePush(ctx, bundle, r)
	if err != nil {
		t.Fatalf("failed to push image: %v", err)
	}
	if d1 != m.GetDigest() {
		t.Errorf("digest mismatch, expected %s, received %s", m.GetDigest(), d1)
	}

	// repeat push: no blob re-upload, identical digest
	d2, err := c.ImagePush(ctx, bundle, r)
	if err != nil {
		t.Fatalf("failed to repeat push: %v", err)
	}
	if d2 != d1 {
		t.Errorf("repeated push digest changed, expected %s, received %s", d1, d2)
	}
}

func TestImagePushFirstTag(t *testing.T) {
	bundle := testBundle(t, `["app:v1","app:latest"]`)
	m := expectedManifest(t)
	confDigest := digest.FromBytes(testConfBytes)
	layerDigest := digest.FromBytes(testLayerBytes)

	rrs := []reqresp.ReqResp{pingEntry()}
	rrs = append(rrs, blobUploadEntries("app", confDigest, testConfBytes, false)...)
	rrs = append(rrs, blobUploadEntries("app", layerDigest, testLayerBytes, false)...)
	rrs = append(rrs, manifestPutEntry("app", "v1", m))
	ts := httptest.NewServer(reqresp.NewHandler(t, rrs))
	defer ts.Close()
	c := testClient(t, ts.URL)

	d, err := c.ImagePushFirstTag(context.Background(), bundle)
	if err != nil {
		t.Fatalf("failed to push image: %v", err)
	}
	if d != m.GetDigest() {
		t.Errorf("digest mismatch, expected %s, received %s", m.GetDigest(), d)
	}
}

func TestImagePushNoOriginalTag(t *testing.T) {
	bundle := testBundle(t, `[]`)
	c := testClient(t, "http://localhost:5000")

	_, err := c.ImagePushFirstTag(context.Background(), bundle)
	if err == nil || !errors.Is(err, types.ErrNoOriginalTag) {
		t.Errorf("expected %v, received %v", types.ErrNoOriginalTag, err)
	}
	_, err = c.ImagePushAllTags(context.Background(), bundle)
	if err == nil || !errors.Is(err, types.ErrNoOriginalTag) {
		t.Errorf("expected %v, received %v", types.ErrNoOriginalTag, err)
	}
}

func TestImagePushAllTags(t *testing.T) {
	bundle := testBundle(t, `["app:v1","app:v1.0","app:latest"]`)
	m := expectedManifest(t)
	confDigest := digest.FromBytes(testConfBytes)
	layerDigest := digest.FromBytes(testLayerBytes)

	// blobs upload once, then one manifest put per tag
	rrs := []reqresp.ReqResp{pingEntry()}
	rrs = append(rrs, blobUploadEntries("app", confDigest, testConfBytes, true)...)
	rrs = append(rrs, blobUploadEntries("app", layerDigest, testLayerBytes, true)...)
	rrs = append(rrs,
		manifestPutEntry("app", "v1", m),
		manifestPutEntry("app", "v1.0", m),
		manifestPutEntry("app", "latest", m),
	)
	ts := httptest.NewServer(reqresp.NewHandler(t, rrs))
	defer ts.Close()
	c := testClient(t, ts.URL)

	results, err := c.ImagePushAllTags(context.Background(), bundle)
	if err != nil {
		t.Fatalf("failed to push image: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, received %d", len(results))
	}
	for _, res := range results {
		if res.Err != nil {
			t.Errorf("tag %s failed: %v", res.Ref.CommonName(), res.Err)
		}
		if res.Digest != m.GetDigest() {
			t.Errorf("tag %s digest mismatch, expected %s, received %s", res.Ref.CommonName(), m.GetDigest(), res.Digest)
		}
	}
}

func TestImagePushAllTagsPartialFailure(t *testing.T) {
	bundle := testBundle(t, `["app:v1","app:broken"]`)
	m := expectedManifest(t)
	confDigest := digest.FromBytes(testConfBytes)
	layerDigest := digest.FromBytes(testLayerBytes)

	rrs := []reqresp.ReqResp{pingEntry()}
	rrs = append(rrs, blobUploadEntries("app", confDigest, testConfBytes, true)...)
	rrs = append(rrs, blobUploadEntries("app", layerDigest, testLayerBytes, true)...)
	rrs = append(rrs,
		manifestPutEntry("app", "v1", m),
		reqresp.ReqResp{
			ReqEntry: reqresp.ReqEntry{
				Name:   "PUT manifest broken",
				Method: "PUT",
				Path:   "/v2/app/manifests/broken",
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusServiceUnavailable,
			},
		},
	)
	ts := httptest.NewServer(reqresp.NewHandler(t, rrs))
	defer ts.Close()
	c := testClient(t, ts.URL)

	results, err := c.ImagePushAllTags(context.Background(), bundle)
	if err == nil {
		t.Fatalf("expected partial failure error")
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, received %d", len(results))
	}
	if results[0].Err != nil || results[0].Digest != m.GetDigest() {
		t.Errorf("first tag should succeed: %+v", results[0])
	}
	if results[1].Err == nil {
		t.Errorf("second tag should fail")
	}
}

func TestImagePushDigestMismatchAborts(t *testing.T) {
	bundle := testBundle(t, `["app:latest"]`)
	confDigest := digest.FromBytes(testConfBytes)
	layerDigest := digest.FromBytes(testLayerBytes)
	wrong := digest.FromBytes([]byte("not the layer"))

	rrs := []reqresp.ReqResp{pingEntry()}
	rrs = append(rrs, blobUploadEntries("app", confDigest, testConfBytes, false)...)
	rrs = append(rrs,
		reqresp.ReqResp{
			ReqEntry: reqresp.ReqEntry{
				Name:   "HEAD layer",
				Method: "HEAD",
				Path:   "/v2/app/blobs/" + layerDigest.String(),
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusNotFound,
			},
		},
		reqresp.ReqResp{
			ReqEntry: reqresp.ReqEntry{
				Name:   "PUT layer wrong digest echo",
				Method: "PUT",
				Path:   "/v2/app/blobs/uploads/",
				Query: map[string][]string{
					"digest": {layerDigest.String()},
				},
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusCreated,
				Headers: http.Header{
					"Docker-Content-Digest": {wrong.String()},
				},
			},
		},
		// no manifest PUT entry: reaching it fails the test
	)
	ts := httptest.NewServer(reqresp.NewHandler(t, rrs))
	defer ts.Close()
	c := testClient(t, ts.URL)

	r, _ := ref.New("app", "latest")
	_, err := c.ImagePush(context.Background(), bundle, r)
	if err == nil {
		t.Fatalf("expected digest mismatch to abort the push")
	}
	if !errors.Is(err, types.ErrUploadFailed) {
		t.Errorf("expected %v, received %v", types.ErrUploadFailed, err)
	}
}

func TestImagePushCancel(t *testing.T) {
	bundle := testBundle(t, `["app:latest"]`)

	// uploads block long enough for the cancellation to land mid-flight
	var handler http.HandlerFunc = func(rw http.ResponseWriter, req *http.Request) {
		switch {
		case req.URL.Path == "/v2/":
			rw.WriteHeader(http.StatusOK)
		case req.Method == "HEAD":
			rw.WriteHeader(http.StatusNotFound)
		case req.Method == "PUT":
			time.Sleep(500 * time.Millisecond)
			rw.WriteHeader(http.StatusCreated)
		default:
			rw.WriteHeader(http.StatusInternalServerError)
		}
	}
	ts := httptest.NewServer(handler)
	defer ts.Close()
	c := testClient(t, ts.URL)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	r, _ := ref.New("app", "latest")
	start := time.Now()
	_, err := c.ImagePush(ctx, bundle, r)
	if err == nil || !errors.Is(err, types.ErrCanceled) {
		t.Errorf("expected %v, received %v", types.ErrCanceled, err)
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Errorf("cancellation did not interrupt in-flight uploads")
	}
}

func TestImagePushConcurrencyBound(t *testing.T) {
	layerCount := 10
	bound := 3
	entries := []testTarEntry{}
	layerNames := ""
	for i := 0; i < layerCount; i++ {
		name := fmt.Sprintf("l%d.tar", i)
		entries = append(entries, testTarEntry{name: name, body: []byte(fmt.Sprintf("layer %d bytes", i))})
		if i > 0 {
			layerNames += ","
		}
		layerNames += fmt.Sprintf("%q", name)
	}
	manifestJSON := []byte(fmt.Sprintf(`[{"Config":"c.json","RepoTags":["app:latest"],"Layers":[%s]}]`, layerNames))
	entries = append(entries,
		testTarEntry{name: "manifest.json", body: manifestJSON},
		testTarEntry{name: "c.json", body: testConfBytes},
	)
	path := writeTestTar(t, entries)
	f, err := tarfile.New(path)
	if err != nil {
		t.Fatalf("failed to open tar: %v", err)
	}
	bundle, err := f.Bundle()
	if err != nil {
		t.Fatalf("failed to decode bundle: %v", err)
	}

	// count in-flight blob requests to verify the semaphore bound
	var mu sync.Mutex
	var inFlight, maxInFlight int
	var handler http.HandlerFunc = func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/v2/" {
			rw.WriteHeader(http.StatusOK)
			return
		}
		if req.Method == "HEAD" || (req.Method == "PUT" && req.URL.Query().Get("digest") != "") {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			defer func() {
				mu.Lock()
				inFlight--
				mu.Unlock()
			}()
			if req.Method == "HEAD" {
				rw.WriteHeader(http.StatusNotFound)
			} else {
				rw.WriteHeader(http.StatusCreated)
			}
			return
		}
		if req.Method == "PUT" {
			rw.Header().Set("Docker-Content-Digest", req.URL.Query().Get("digest"))
			rw.WriteHeader(http.StatusCreated)
			return
		}
		rw.WriteHeader(http.StatusInternalServerError)
	}
	ts := httptest.NewServer(handler)
	defer ts.Close()
	c, err := New(
		WithBaseURL(ts.URL),
		WithBlobConcurrency(bound),
		WithRetry(3, time.Millisecond),
	)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	r, _ := ref.New("app", "latest")
	if _, err := c.ImagePush(context.Background(), bundle, r); err != nil {
		t.Fatalf("failed to push image: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if maxInFlight > bound {
		t.Errorf("concurrency bound exceeded: %d > %d", maxInFlight, bound)
	}
}
