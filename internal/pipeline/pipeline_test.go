package pipeline

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumenfleet/fota-agent/internal/fwversion"
	"github.com/lumenfleet/fota-agent/internal/httputil"
	"github.com/lumenfleet/fota-agent/internal/signature"
	"github.com/lumenfleet/fota-agent/internal/source"
	"github.com/lumenfleet/fota-agent/internal/transfer"
)

// memSink is an in-memory pipeline.Sink recording its lifecycle.
type memSink struct {
	buf         bytes.Buffer
	reserveErr  error
	finalizeErr error
	aborted     bool
	finalized   bool
	version     string
}

func (s *memSink) Reserve(size int64) error { return s.reserveErr }
func (s *memSink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}
func (s *memSink) Abort() { s.aborted = true }
func (s *memSink) Finalize() error {
	if s.finalizeErr != nil {
		return s.finalizeErr
	}
	s.finalized = true
	return nil
}
func (s *memSink) RecordVersion(v string) error {
	s.version = v
	return nil
}

// updateServer simulates an update source: a manifest document plus
// firmware and signature endpoints, counting hits per path.
type updateServer struct {
	*httptest.Server
	firmware []byte
	sig      []byte
	version  string

	firmwareHits  atomic.Int32
	signatureHits atomic.Int32
}

func newUpdateServer(t *testing.T, version string, firmware, sig []byte) *updateServer {
	t.Helper()
	us := &updateServer{firmware: firmware, sig: sig, version: version}
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":%q,"file_url":"/firmware.bin","signature_url":"/signature.bin"}`, us.version)
	})
	mux.HandleFunc("/firmware.bin", func(w http.ResponseWriter, r *http.Request) {
		us.firmwareHits.Add(1)
		w.Write(us.firmware)
	})
	mux.HandleFunc("/signature.bin", func(w http.ResponseWriter, r *http.Request) {
		us.signatureHits.Add(1)
		w.Write(us.sig)
	})
	us.Server = httptest.NewServer(mux)
	t.Cleanup(us.Close)
	return us
}

func genKey(t *testing.T) (*rsa.PrivateKey, *signature.Gate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	gate, err := signature.NewGate(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	if err != nil {
		t.Fatal(err)
	}
	return key, gate
}

func signImage(t *testing.T, key *rsa.PrivateKey, image []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(image)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func newTestPipeline(t *testing.T, us *updateServer, gate *signature.Gate, sink Sink, current string) *Pipeline {
	t.Helper()
	src, err := source.NewManifestSource(us.URL+"/manifest.json", us.Client(), httputil.RetryConfig{InitialDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	return New(Params{
		Source:         src,
		Verifier:       transfer.New(transfer.Config{ChunkSize: 64}),
		Gate:           gate,
		Sink:           sink,
		Current:        fwversion.MustParse(current),
		Client:         us.Client(),
		RequestTimeout: 5 * time.Second,
		Retry:          httputil.RetryConfig{InitialDelay: time.Millisecond},
	})
}

func TestRunOnceAppliesNewerVersion(t *testing.T) {
	firmware := bytes.Repeat([]byte("new firmware! "), 100)
	key, gate := genKey(t)
	us := newUpdateServer(t, "1.3", firmware, signImage(t, key, firmware))
	sink := &memSink{}

	p := newTestPipeline(t, us, gate, sink, "1.2")
	out := p.RunOnce(t.Context())

	if out.Status != StatusApplied {
		t.Fatalf("Status = %q (%v), want Applied", out.Status, out.Err)
	}
	if !sink.finalized {
		t.Error("sink not finalized")
	}
	if sink.aborted {
		t.Error("sink aborted on success")
	}
	if !bytes.Equal(sink.buf.Bytes(), firmware) {
		t.Error("staged bytes differ from served firmware")
	}
	if sink.version != "1.3" {
		t.Errorf("recorded version = %q, want 1.3", sink.version)
	}
	if p.State() != StateApplied {
		t.Errorf("state = %q, want Applied", p.State())
	}
}

func TestRunOnceNoUpdateMakesNoDownloads(t *testing.T) {
	key, gate := genKey(t)
	us := newUpdateServer(t, "1.2", []byte("fw"), signImage(t, key, []byte("fw")))
	sink := &memSink{}

	p := newTestPipeline(t, us, gate, sink, "1.2")
	out := p.RunOnce(t.Context())

	if out.Status != StatusNoUpdate {
		t.Fatalf("Status = %q, want NoUpdateAvailable", out.Status)
	}
	if us.firmwareHits.Load() != 0 || us.signatureHits.Load() != 0 {
		t.Errorf("firmware/signature endpoints were hit: %d/%d",
			us.firmwareHits.Load(), us.signatureHits.Load())
	}
	if p.State() != StateIdle {
		t.Errorf("state = %q, want Idle", p.State())
	}
}

func TestRunOnceOlderCandidateIsNoUpdate(t *testing.T) {
	key, gate := genKey(t)
	us := newUpdateServer(t, "1.1", []byte("fw"), signImage(t, key, []byte("fw")))

	p := newTestPipeline(t, us, gate, &memSink{}, "1.2")
	if out := p.RunOnce(t.Context()); out.Status != StatusNoUpdate {
		t.Fatalf("Status = %q, want NoUpdateAvailable", out.Status)
	}
}

func TestRunOnceVersionStrippedV(t *testing.T) {
	firmware := []byte("tagged firmware")
	key, gate := genKey(t)
	us := newUpdateServer(t, "v1.3", firmware, signImage(t, key, firmware))

	sink := &memSink{}
	p := newTestPipeline(t, us, gate, sink, "1.2")
	out := p.RunOnce(t.Context())
	if out.Status != StatusApplied {
		t.Fatalf("Status = %q (%v), want Applied", out.Status, out.Err)
	}
	if sink.version != "1.3" {
		t.Errorf("recorded version = %q, want 1.3", sink.version)
	}
}

func TestRunOnceRejectsMalformedCandidate(t *testing.T) {
	key, gate := genKey(t)
	us := newUpdateServer(t, "1.3-rc1", []byte("fw"), signImage(t, key, []byte("fw")))

	p := newTestPipeline(t, us, gate, &memSink{}, "1.2")
	out := p.RunOnce(t.Context())
	if out.Status != StatusFailed || out.Kind != KindMetadataInvalid {
		t.Fatalf("outcome = %q/%q, want Failed/MetadataInvalid", out.Status, out.Kind)
	}
	if us.firmwareHits.Load() != 0 {
		t.Error("malformed candidate version must not trigger a download")
	}
}

func TestRunOnceTamperedSignature(t *testing.T) {
	firmware := bytes.Repeat([]byte("payload"), 50)
	key, gate := genKey(t)
	sig := signImage(t, key, firmware)
	sig[0] ^= 0xff
	us := newUpdateServer(t, "2.0", firmware, sig)
	sink := &memSink{}

	p := newTestPipeline(t, us, gate, sink, "1.2")
	out := p.RunOnce(t.Context())

	if out.Status != StatusFailed || out.Kind != KindSignatureVerificationFailed {
		t.Fatalf("outcome = %q/%q, want Failed/SignatureVerificationFailed", out.Status, out.Kind)
	}
	if sink.finalized {
		t.Error("tampered image reached Committing")
	}
	if !sink.aborted {
		t.Error("staged image not discarded")
	}
	if us.signatureHits.Load() != 1 {
		t.Errorf("signature fetched %d times, want 1 (no retry within the cycle)", us.signatureHits.Load())
	}
}

func TestRunOnceSignatureFromWrongKey(t *testing.T) {
	firmware := []byte("firmware body")
	_, gate := genKey(t)
	otherKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	us := newUpdateServer(t, "2.0", firmware, signImage(t, otherKey, firmware))
	sink := &memSink{}

	p := newTestPipeline(t, us, gate, sink, "1.2")
	out := p.RunOnce(t.Context())
	if out.Kind != KindSignatureVerificationFailed {
		t.Fatalf("Kind = %q, want SignatureVerificationFailed", out.Kind)
	}
	if sink.finalized {
		t.Error("image signed by untrusted key was committed")
	}
}

func TestRunOnceInsufficientSpace(t *testing.T) {
	firmware := []byte("firmware that will never be staged")
	key, gate := genKey(t)
	us := newUpdateServer(t, "1.3", firmware, signImage(t, key, firmware))
	sink := &memSink{reserveErr: errors.New("slot full")}

	p := newTestPipeline(t, us, gate, sink, "1.2")
	out := p.RunOnce(t.Context())

	if out.Kind != KindInsufficientSpace {
		t.Fatalf("Kind = %q (%v), want InsufficientSpace", out.Kind, out.Err)
	}
	if sink.buf.Len() != 0 {
		t.Error("bytes written despite failed reservation")
	}
	if us.signatureHits.Load() != 0 {
		t.Error("signature fetched despite failed reservation")
	}
}

func TestRunOnceFirmwareDownloadFailed(t *testing.T) {
	_, gate := genKey(t)
	// Manifest points at a firmware path that does not exist.
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"version":"1.3","file_url":"/gone.bin","signature_url":"/signature.bin"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src, err := source.NewManifestSource(srv.URL+"/manifest.json", srv.Client(), httputil.RetryConfig{InitialDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	p := New(Params{
		Source:   src,
		Verifier: transfer.New(transfer.Config{}),
		Gate:     gate,
		Sink:     &memSink{},
		Current:  fwversion.MustParse("1.2"),
		Client:   srv.Client(),
	})
	out := p.RunOnce(t.Context())
	if out.Kind != KindFirmwareDownloadFailed {
		t.Fatalf("Kind = %q (%v), want FirmwareDownloadFailed", out.Kind, out.Err)
	}
}

func TestRunOnceTruncatedTransfer(t *testing.T) {
	_, gate := genKey(t)
	firmware := bytes.Repeat([]byte("x"), 1000)

	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"version":"1.3","file_url":"/firmware.bin","signature_url":"/signature.bin"}`)
	})
	mux.HandleFunc("/firmware.bin", func(w http.ResponseWriter, r *http.Request) {
		// Declare more than is delivered, then cut the connection.
		w.Header().Set("Content-Length", "1000")
		w.Write(firmware[:400])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src, err := source.NewManifestSource(srv.URL+"/manifest.json", srv.Client(), httputil.RetryConfig{InitialDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	sink := &memSink{}
	p := New(Params{
		Source:         src,
		Verifier:       transfer.New(transfer.Config{ChunkSize: 64, StallTimeout: 2 * time.Second}),
		Gate:           gate,
		Sink:           sink,
		Current:        fwversion.MustParse("1.2"),
		Client:         srv.Client(),
		RequestTimeout: 5 * time.Second,
	})

	out := p.RunOnce(t.Context())
	if out.Status != StatusFailed || out.Kind != KindTruncatedTransfer {
		t.Fatalf("outcome = %q/%q (%v), want Failed/TruncatedTransfer", out.Status, out.Kind, out.Err)
	}
	if !sink.aborted {
		t.Error("sink not rolled back after truncated transfer")
	}
}

func TestRunOnceSignatureDownloadFailed(t *testing.T) {
	firmware := []byte("firmware body")
	_, gate := genKey(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"version":"1.3","file_url":"/firmware.bin","signature_url":"/missing.sig"}`)
	})
	mux.HandleFunc("/firmware.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(firmware)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src, err := source.NewManifestSource(srv.URL+"/manifest.json", srv.Client(), httputil.RetryConfig{InitialDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	sink := &memSink{}
	p := New(Params{
		Source:         src,
		Verifier:       transfer.New(transfer.Config{ChunkSize: 64}),
		Gate:           gate,
		Sink:           sink,
		Current:        fwversion.MustParse("1.2"),
		Client:         srv.Client(),
		RequestTimeout: 5 * time.Second,
		Retry:          httputil.RetryConfig{InitialDelay: time.Millisecond},
	})
	out := p.RunOnce(t.Context())

	if out.Kind != KindSignatureDownloadFailed {
		t.Fatalf("Kind = %q (%v), want SignatureDownloadFailed", out.Kind, out.Err)
	}
	if sink.finalized {
		t.Error("image committed without signature")
	}
	if !sink.aborted {
		t.Error("staged image not discarded")
	}
}

func TestRunOnceOversizedSignatureRejected(t *testing.T) {
	firmware := []byte("firmware body")
	_, gate := genKey(t)
	us := newUpdateServer(t, "1.3", firmware, bytes.Repeat([]byte("s"), signature.MaxBlobSize+100))
	sink := &memSink{}

	p := newTestPipeline(t, us, gate, sink, "1.2")
	out := p.RunOnce(t.Context())
	if out.Kind != KindSignatureDownloadFailed {
		t.Fatalf("Kind = %q, want SignatureDownloadFailed", out.Kind)
	}
	if sink.finalized {
		t.Error("image committed with oversized signature blob")
	}
}

func TestRunOnceFinalizeFailed(t *testing.T) {
	firmware := []byte("firmware body")
	key, gate := genKey(t)
	us := newUpdateServer(t, "1.3", firmware, signImage(t, key, firmware))
	sink := &memSink{finalizeErr: errors.New("flash commit error")}

	p := newTestPipeline(t, us, gate, sink, "1.2")
	out := p.RunOnce(t.Context())

	if out.Kind != KindFinalizeFailed {
		t.Fatalf("Kind = %q (%v), want FinalizeFailed", out.Kind, out.Err)
	}
	if p.State() != StateIdle {
		t.Errorf("state = %q, want Idle after failure", p.State())
	}
}

func TestRunOnceMetadataErrors(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    Kind
	}{
		{
			name: "fetch failed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			want: KindMetadataFetchFailed,
		},
		{
			name: "parse failed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{truncated"))
			},
			want: KindMetadataParseFailed,
		},
		{
			name: "missing fields",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"version":"9.9"}`))
			},
			want: KindMetadataInvalid,
		},
	}

	_, gate := genKey(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			src, err := source.NewManifestSource(srv.URL, srv.Client(), httputil.RetryConfig{InitialDelay: time.Millisecond})
			if err != nil {
				t.Fatal(err)
			}
			p := New(Params{
				Source:   src,
				Verifier: transfer.New(transfer.Config{}),
				Gate:     gate,
				Sink:     &memSink{},
				Current:  fwversion.MustParse("1.2"),
				Client:   srv.Client(),
			})
			out := p.RunOnce(t.Context())
			if out.Status != StatusFailed || out.Kind != tc.want {
				t.Fatalf("outcome = %q/%q, want Failed/%q", out.Status, out.Kind, tc.want)
			}
		})
	}
}

func TestRunOnceReleaseSourceMissingAssets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tag_name":"v1.1","assets":[{"name":"firmware.bin","browser_download_url":"u"}]}`))
	}))
	defer srv.Close()

	src, err := source.NewReleaseSource(srv.URL, "firmware.bin", "signature.bin", srv.Client(), httputil.RetryConfig{InitialDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	_, gate := genKey(t)
	p := New(Params{
		Source:   src,
		Verifier: transfer.New(transfer.Config{}),
		Gate:     gate,
		Sink:     &memSink{},
		Current:  fwversion.MustParse("1.0"),
		Client:   srv.Client(),
	})
	out := p.RunOnce(t.Context())
	if out.Kind != KindMetadataMissingAssets {
		t.Fatalf("Kind = %q, want MetadataMissingAssets", out.Kind)
	}
}
