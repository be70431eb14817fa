// Package reqresp is used to create mock registries for testing
package reqresp

import (
	"bytes"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
)

type ReqResp struct {
	ReqEntry  ReqEntry
	RespEntry RespEntry
}

type ReqEntry struct {
	Name     string
	DelOnUse bool
	Method   string
	Path     string
	Query    map[string][]string
	Headers  http.Header
	Body     []byte
}

type RespEntry struct {
	Status  int
	Headers http.Header
	Body    []byte
}

func NewHandler(t *testing.T, rrs []ReqResp) http.Handler {
	r := rrHandler{
		t:   t,
		rrs: rrs,
	}
	return &r
}

// NewRandomBlob returns a deterministic pseudo-random blob and its digest
func NewRandomBlob(size int, seed int64) (digest.Digest, []byte) {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, size)
	if n, err := r.Read(b); err != nil || n != size {
		panic("failed to generate random blob")
	}
	return digest.FromBytes(b), b
}

type rrHandler struct {
	t   *testing.T
	mu  sync.Mutex
	rrs []ReqResp
}

// return false if any item in a is not found in b
func strMapMatch(a, b map[string][]string) bool {
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		for _, ave := range av {
			found := false
			for _, bve := range bv {
				if ave == bve {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func (r *rrHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	reqBody, err := io.ReadAll(req.Body)
	if err != nil {
		r.t.Errorf("Error reading request body: %v", err)
		rw.WriteHeader(http.StatusInternalServerError)
		rw.Write([]byte("Error reading request body"))
		return
	}
	// blob uploads run concurrently against one entry table
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rr := range r.rrs {
		reqMatch := rr.ReqEntry
		if reqMatch.Method != req.Method ||
			reqMatch.Path != req.URL.Path ||
			(reqMatch.Query == nil && len(req.URL.Query()) != 0) ||
			!strMapMatch(reqMatch.Query, req.URL.Query()) ||
			!strMapMatch(reqMatch.Headers, req.Header) ||
			(reqMatch.Body != nil && !bytes.Equal(reqMatch.Body, reqBody)) {
			// skip if any field does not match
			continue
		}

		// respond
		r.t.Logf("Sending response %s", reqMatch.Name)
		rwHeader := rw.Header()
		for k, v := range rr.RespEntry.Headers {
			rwHeader[k] = v
		}
		if rr.RespEntry.Status != 0 {
			rw.WriteHeader(rr.RespEntry.Status)
		}
		io.Copy(rw, bytes.NewReader(rr.RespEntry.Body))

		// for single use test cases, delete this entry
		if reqMatch.DelOnUse {
			r.rrs = append(r.rrs[:i], r.rrs[i+1:]...)
		}
		return
	}
	r.t.Errorf("Unhandled request: %s %s", req.Method, req.URL.String())
	rw.WriteHeader(http.StatusInternalServerError)
	rw.Write([]byte("Unsupported request"))
}
