package wnpchat

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLimits() UploadLimits {
	l := DefaultUploadLimits()
	l.MaxFileSize = 1 << 20
	l.MaxTotalSize = 2 << 20
	l.MaxFiles = 3
	return l
}

func TestUploaderValidation(t *testing.T) {
	u := NewUploader(NewClient())
	u.SetLimits(testLimits())

	t.Run("oversized file names the file and the limit", func(t *testing.T) {
		big := make([]byte, (1<<20)+1)
		_, err := u.Add("huge.png", "image/png", big, nil)
		if err == nil {
			t.Fatal("oversized file accepted")
		}
		if !strings.Contains(err.Error(), "huge.png") {
			t.Errorf("error should name the file: %v", err)
		}
		if !strings.Contains(err.Error(), "1.0 MB") {
			t.Errorf("error should carry the formatted limit: %v", err)
		}
	})

	t.Run("disallowed mime type", func(t *testing.T) {
		if _, err := u.Add("tool.exe", "application/x-msdownload", []byte("MZ"), nil); err == nil {
			t.Fatal("disallowed type accepted")
		}
	})

	t.Run("extension must match the mime type", func(t *testing.T) {
		if _, err := u.Add("image.exe", "image/png", []byte("x"), nil); err == nil {
			t.Fatal("mismatched extension accepted")
		}
	})

	t.Run("aggregate size cap", func(t *testing.T) {
		u := NewUploader(NewClient())
		u.SetLimits(testLimits())
		chunk := make([]byte, 1<<20)
		if _, err := u.Add("a.png", "image/png", chunk, nil); err != nil {
			t.Fatalf("first file rejected: %v", err)
		}
		if _, err := u.Add("b.png", "image/png", chunk, nil); err != nil {
			t.Fatalf("second file rejected: %v", err)
		}
		if _, err := u.Add("c.png", "image/png", []byte("tiny"), nil); err == nil {
			t.Fatal("batch exceeding total size accepted")
		}
	})

	t.Run("file count cap", func(t *testing.T) {
		u := NewUploader(NewClient())
		limits := testLimits()
		limits.MaxFiles = 1
		u.SetLimits(limits)
		if _, err := u.Add("a.txt", "text/plain", []byte("x"), nil); err != nil {
			t.Fatalf("first file rejected: %v", err)
		}
		if _, err := u.Add("b.txt", "text/plain", []byte("y"), nil); err == nil {
			t.Fatal("file over the count cap accepted")
		}
	})
}

func TestFormatSize(t *testing.T) {
	cases := []struct {
		n    int64
		want string
	}{
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{50 << 20, "50.0 MB"},
		{3 << 30, "3.0 GB"},
	}
	for _, c := range cases {
		if got := FormatSize(c.n); got != c.want {
			t.Errorf("FormatSize(%d) = %q, want %q", c.n, got, c.want)
		}
	}
}

// uploadServer fakes presign, storage PUT, and complete endpoints. putStatus
// selects the storage response; putBody its body.
type uploadServer struct {
	srv       *httptest.Server
	putStatus atomic.Int32
	putBody   atomic.Value

	inflight    atomic.Int32
	maxInflight atomic.Int32
	completes   atomic.Int32
	lastETag    atomic.Value
}

func newUploadServer(t *testing.T) *uploadServer {
	t.Helper()
	us := &uploadServer{}
	us.putStatus.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/attachments/upload-url", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var opts UploadURLOptions
		_ = json.NewDecoder(r.Body).Decode(&opts)
		data := UploadURLData{
			UploadID: "up-1",
			URL:      us.srv.URL + "/storage/main",
			Key:      "objects/main",
		}
		if opts.WithThumbnail {
			data.ThumbnailURL = us.srv.URL + "/storage/thumb"
			data.ThumbnailKey = "objects/thumb"
		}
		okEnvelope(w, data)
	})
	mux.HandleFunc("/storage/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cur := us.inflight.Add(1)
		defer us.inflight.Add(-1)
		for {
			max := us.maxInflight.Load()
			if cur <= max || us.maxInflight.CompareAndSwap(max, cur) {
				break
			}
		}
		if status := int(us.putStatus.Load()); status != http.StatusOK {
			body, _ := us.putBody.Load().(string)
			http.Error(w, body, status)
			return
		}
		w.Header().Set("ETag", `"etag-123"`)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/attachments/complete", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		us.completes.Add(1)
		var opts CompleteOptions
		_ = json.NewDecoder(r.Body).Decode(&opts)
		us.lastETag.Store(opts.ETag)
		okEnvelope(w, Attachment{
			ID:     "att-1",
			Name:   opts.FileName,
			URL:    "https://cdn.example.com/" + opts.Key,
			Type:   opts.MimeType,
			Size:   opts.FileSize,
			Status: AttachmentReady,
		})
	})

	us.srv = httptest.NewServer(mux)
	t.Cleanup(us.srv.Close)
	return us
}

func (us *uploadServer) client() *Client {
	return NewClient(WithBaseURL(us.srv.URL))
}

func TestUploadHappyPath(t *testing.T) {
	us := newUploadServer(t)
	u := NewUploader(us.client())

	if _, err := u.Add("notes.txt", "text/plain", []byte("hello world"), nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	var milestones []int
	attachments, err := u.UploadAll(context.Background(), func(id string, pct int) {
		milestones = append(milestones, pct)
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(attachments) != 1 || attachments[0].ID != "att-1" {
		t.Fatalf("unexpected attachments: %+v", attachments)
	}

	files := u.Files()
	if files[0].Status != PendingCompleted {
		t.Errorf("status = %s, want completed", files[0].Status)
	}
	if files[0].Progress != 100 {
		t.Errorf("progress = %d, want 100", files[0].Progress)
	}
	if files[0].Result == nil || files[0].Result.ID != "att-1" {
		t.Errorf("result not reconciled: %+v", files[0].Result)
	}

	if len(milestones) == 0 || milestones[len(milestones)-1] != 100 {
		t.Fatalf("final milestone should be 100: %v", milestones)
	}
	for _, m := range milestones[:len(milestones)-1] {
		if m > 90 {
			t.Errorf("main transfer milestone %d exceeds the 90%% cap", m)
		}
	}

	if etag, _ := us.lastETag.Load().(string); etag != "etag-123" {
		t.Errorf("complete call carried etag %q, want etag-123", etag)
	}
}

func TestUploadImageWithThumbnail(t *testing.T) {
	us := newUploadServer(t)
	u := NewUploader(us.client())

	img := image.NewRGBA(image.Rect(0, 0, 800, 600))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}

	if _, err := u.Add("photo.png", "image/png", buf.Bytes(), nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	var saw95 bool
	_, err := u.UploadAll(context.Background(), func(id string, pct int) {
		if pct == 95 {
			saw95 = true
		}
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !saw95 {
		t.Error("thumbnail transfer should report the 95%% milestone")
	}
}

func TestUploadFailureAndRetry(t *testing.T) {
	us := newUploadServer(t)
	u := NewUploader(us.client())

	pending, err := u.Add("notes.txt", "text/plain", []byte("hello"), nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	us.putStatus.Store(http.StatusInternalServerError)
	us.putBody.Store("storage blew up")

	if _, err := u.UploadAll(context.Background(), nil); err == nil {
		t.Fatal("all-failed batch should return an error")
	}

	files := u.Files()
	if files[0].Status != PendingFailed || files[0].Error == "" {
		t.Fatalf("expected failed state with error, got %+v", files[0])
	}

	t.Run("transient failure is retryable", func(t *testing.T) {
		us.putStatus.Store(http.StatusOK)
		att, err := u.Retry(context.Background(), pending.ID, nil)
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		if att.ID != "att-1" {
			t.Fatalf("retry produced %+v", att)
		}
		if u.Files()[0].Status != PendingCompleted {
			t.Error("retried file should end completed")
		}
	})
}

func TestUploadPolicyRejectionNotRetryable(t *testing.T) {
	us := newUploadServer(t)
	u := NewUploader(us.client())

	pending, err := u.Add("notes.txt", "text/plain", []byte("hello"), nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	us.putStatus.Store(http.StatusForbidden)
	us.putBody.Store("file flagged as suspicious")
	_, _ = u.UploadAll(context.Background(), nil)

	if _, err := u.Retry(context.Background(), pending.ID, nil); err == nil {
		t.Fatal("policy-rejected file should not be retryable")
	}
	if u.Files()[0].Status != PendingFailed {
		t.Error("rejected file should remain failed")
	}
}

func TestUploadSequential(t *testing.T) {
	us := newUploadServer(t)
	u := NewUploader(us.client())

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if _, err := u.Add(name, "text/plain", bytes.Repeat([]byte("x"), 4096), nil); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	if _, err := u.UploadAll(context.Background(), nil); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got := us.maxInflight.Load(); got > 1 {
		t.Fatalf("observed %d concurrent transfers, batches must run one at a time", got)
	}
	if got := us.completes.Load(); got != 3 {
		t.Fatalf("expected 3 completes, got %d", got)
	}
}

func TestUploadCancellationResetsInFlight(t *testing.T) {
	us := newUploadServer(t)
	u := NewUploader(us.client())

	if _, err := u.Add("a.txt", "text/plain", []byte("x"), nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := u.UploadAll(ctx, nil); err != nil {
		t.Fatalf("cancelled batch should not be a hard error: %v", err)
	}
	if got := u.Files()[0].Status; got != PendingWaiting {
		t.Fatalf("cancelled file should reset to pending, got %s", got)
	}
}

func TestMakeThumbnail(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 640, 480))
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}

	out, err := makeThumbnail(buf.Bytes(), 320, 320, 80)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 320 || b.Dy() != 240 {
		t.Errorf("thumbnail bounds %dx%d, want 320x240 (aspect preserved)", b.Dx(), b.Dy())
	}
}

func TestAttachmentWatcherIdentityDiff(t *testing.T) {
	srv := wsTestServer(t, Envelope{Event: "authenticated"}, nil)
	client := NewClient(WithBaseURL(srv.URL))
	establishTestSession(t, client, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Socket().Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	w := NewAttachmentWatcher(client)
	if err := w.Track(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("track: %v", err)
	}

	// With the socket gone, an order-insensitive identical set must
	// short-circuit before touching the socket; anything else would error.
	_ = client.Socket().Disconnect()
	if err := w.Track(ctx, []string{"b", "a"}); err != nil {
		t.Fatalf("identical set should be a no-op, got %v", err)
	}
}

func TestAttachmentWatcherFailedTrackIsRetryable(t *testing.T) {
	w := NewAttachmentWatcher(NewClient())
	ctx := context.Background()

	// Socket is disconnected, so the subscribe fails and the set must not
	// be recorded as tracked.
	if err := w.Track(ctx, []string{"a"}); err == nil {
		t.Fatal("subscribe over a dead socket should fail")
	}

	// A repeat with the same IDs must attempt the subscribe again rather
	// than short-circuit on a set that never registered.
	if err := w.Track(ctx, []string{"a"}); err == nil {
		t.Fatal("failed set silently treated as tracked")
	}
}
