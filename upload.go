package wnpchat

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/google/uuid"
)

// ============================================================================
// Upload pipeline
// ============================================================================

// PendingStatus is the client-side lifecycle of a file before it becomes a
// durable Attachment.
type PendingStatus string

const (
	PendingWaiting   PendingStatus = "pending"
	PendingUploading PendingStatus = "uploading"
	PendingCompleted PendingStatus = "completed"
	PendingFailed    PendingStatus = "failed"
)

// PendingAttachment tracks one selected file through validate, thumbnail,
// compress, presign, transfer and complete. Terminal states hold either the
// reconciled Attachment or an error string.
type PendingAttachment struct {
	ID       string
	FileName string
	MimeType string
	Size     int64
	Progress int
	Status   PendingStatus
	Error    string

	// Result is set only after the server acknowledges completion.
	Result *Attachment

	data    []byte
	preview func() // preview handle release, nil when none was taken
}

// UploadLimits bounds what a single message may carry.
type UploadLimits struct {
	MaxFileSize  int64
	MaxTotalSize int64
	MaxFiles     int
	// AllowedTypes maps MIME prefixes or full types to the extensions
	// accepted for them.
	AllowedTypes map[string][]string

	ThumbnailMaxWidth  int
	ThumbnailMaxHeight int
	JPEGQuality        int
}

// DefaultUploadLimits mirrors the server's enforcement so obviously bad
// batches fail before any network call.
func DefaultUploadLimits() UploadLimits {
	return UploadLimits{
		MaxFileSize:  50 << 20,
		MaxTotalSize: 100 << 20,
		MaxFiles:     10,
		AllowedTypes: map[string][]string{
			"image/jpeg":         {".jpg", ".jpeg"},
			"image/png":          {".png"},
			"image/gif":          {".gif"},
			"image/webp":         {".webp"},
			"video/mp4":          {".mp4"},
			"video/quicktime":    {".mov"},
			"video/webm":         {".webm"},
			"audio/mpeg":         {".mp3"},
			"audio/wav":          {".wav"},
			"audio/ogg":          {".ogg"},
			"application/pdf":    {".pdf"},
			"text/plain":         {".txt", ".log", ".md"},
			"application/zip":    {".zip"},
			"application/msword": {".doc"},
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {".docx"},
		},
		ThumbnailMaxWidth:  320,
		ThumbnailMaxHeight: 320,
		JPEGQuality:        80,
	}
}

// ProgressFunc receives (attachmentID, percent) as a file moves through the
// pipeline.
type ProgressFunc func(id string, percent int)

// Uploader orchestrates attachment batches. Files are transferred strictly
// one at a time to bound server and bandwidth load.
type Uploader struct {
	client *Client
	limits UploadLimits

	mu      sync.Mutex
	files   []*PendingAttachment
	onState []func(PendingAttachment)
}

// NewUploader builds an uploader with DefaultUploadLimits.
func NewUploader(c *Client) *Uploader {
	return &Uploader{client: c, limits: DefaultUploadLimits()}
}

// SetLimits replaces the batch limits. Call before adding files.
func (u *Uploader) SetLimits(l UploadLimits) {
	u.mu.Lock()
	u.limits = l
	u.mu.Unlock()
}

// OnStateChange registers a handler fired on every pending-file transition.
func (u *Uploader) OnStateChange(h func(PendingAttachment)) {
	u.mu.Lock()
	u.onState = append(u.onState, h)
	u.mu.Unlock()
}

// Add validates one file against the limits and queues it as pending. The
// optional release func is invoked when the file is removed or cleared,
// freeing its local preview handle.
func (u *Uploader) Add(fileName, mimeType string, data []byte, release func()) (*PendingAttachment, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.files) >= u.limits.MaxFiles {
		return nil, newError(KindFileUpload, fmt.Sprintf("cannot attach more than %d files per message", u.limits.MaxFiles))
	}
	size := int64(len(data))
	if size > u.limits.MaxFileSize {
		return nil, newError(KindFileUpload, fmt.Sprintf("%s exceeds the maximum file size of %s", fileName, FormatSize(u.limits.MaxFileSize)))
	}
	if !u.typeAllowed(fileName, mimeType) {
		return nil, newError(KindFileUpload, fmt.Sprintf("%s: file type %s is not allowed", fileName, mimeType))
	}
	var total int64
	for _, f := range u.files {
		total += f.Size
	}
	if total+size > u.limits.MaxTotalSize {
		return nil, newError(KindFileUpload, fmt.Sprintf("attachments exceed the total message size limit of %s", FormatSize(u.limits.MaxTotalSize)))
	}

	pa := &PendingAttachment{
		ID:       uuid.NewString(),
		FileName: fileName,
		MimeType: mimeType,
		Size:     size,
		Status:   PendingWaiting,
		data:     data,
		preview:  release,
	}
	u.files = append(u.files, pa)
	return pa, nil
}

func (u *Uploader) typeAllowed(fileName, mimeType string) bool {
	exts, ok := u.limits.AllowedTypes[strings.ToLower(mimeType)]
	if !ok {
		return false
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
}

// Files returns a snapshot of the pending list.
func (u *Uploader) Files() []PendingAttachment {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]PendingAttachment, len(u.files))
	for i, f := range u.files {
		out[i] = *f
	}
	return out
}

// Remove drops a pending file and releases its preview handle. Completed
// uploads are not rolled back server-side.
func (u *Uploader) Remove(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, f := range u.files {
		if f.ID == id {
			if f.preview != nil {
				f.preview()
			}
			u.files = append(u.files[:i], u.files[i+1:]...)
			return
		}
	}
}

// Clear drops every pending file and releases all preview handles.
func (u *Uploader) Clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, f := range u.files {
		if f.preview != nil {
			f.preview()
		}
	}
	u.files = nil
}

// UploadAll transfers queued files one at a time. Cancelling the context
// stops issuing further uploads and resets the in-flight file to pending;
// completed transfers stay completed. The returned error is non-nil only when
// every file in the batch failed.
func (u *Uploader) UploadAll(ctx context.Context, onProgress ProgressFunc) ([]Attachment, error) {
	u.mu.Lock()
	queue := make([]*PendingAttachment, 0, len(u.files))
	for _, f := range u.files {
		if f.Status == PendingWaiting {
			queue = append(queue, f)
		}
	}
	u.mu.Unlock()

	var completed []Attachment
	var failed int
	for _, f := range queue {
		if ctx.Err() != nil {
			u.setStatus(f, PendingWaiting, "")
			break
		}
		att, err := u.uploadOne(ctx, f, onProgress)
		if err != nil {
			if ctx.Err() != nil {
				u.setStatus(f, PendingWaiting, "")
				break
			}
			failed++
			u.client.logger.Warn("attachment upload failed",
				zap.String("file", f.FileName), zap.Error(err))
			continue
		}
		completed = append(completed, *att)
	}

	if failed > 0 && len(completed) == 0 {
		return nil, newError(KindFileUpload, "all attachments failed to upload")
	}
	if failed > 0 {
		u.client.logger.Warn("some attachments failed to upload",
			zap.Int("failed", failed), zap.Int("completed", len(completed)))
	}
	return completed, nil
}

// Retry re-runs a failed file through the pipeline. Policy rejections are
// terminal and cannot be retried.
func (u *Uploader) Retry(ctx context.Context, id string, onProgress ProgressFunc) (*Attachment, error) {
	u.mu.Lock()
	var target *PendingAttachment
	for _, f := range u.files {
		if f.ID == id {
			target = f
			break
		}
	}
	u.mu.Unlock()

	if target == nil {
		return nil, newError(KindNotFound, "no pending attachment with id "+id)
	}
	if target.Status != PendingFailed {
		return nil, newError(KindFileUpload, target.FileName+" is not in a failed state")
	}
	if !IsRetryableUpload(target.Error) {
		return nil, newError(KindFileUpload, target.FileName+" was rejected and cannot be retried")
	}
	return u.uploadOne(ctx, target, onProgress)
}

func (u *Uploader) uploadOne(ctx context.Context, f *PendingAttachment, onProgress ProgressFunc) (*Attachment, error) {
	u.setStatus(f, PendingUploading, "")

	payload := f.data
	mimeType := f.MimeType
	if isImage(f.MimeType) {
		if out, err := recompressJPEG(f.data, u.limits.JPEGQuality); err == nil {
			payload = out
			mimeType = "image/jpeg"
		} else {
			u.client.logger.Debug("image recompression failed, sending original",
				zap.String("file", f.FileName), zap.Error(err))
		}
	}

	var thumb []byte
	if isImage(f.MimeType) {
		t, err := makeThumbnail(f.data, u.limits.ThumbnailMaxWidth, u.limits.ThumbnailMaxHeight, u.limits.JPEGQuality)
		if err != nil {
			u.client.logger.Debug("thumbnail generation failed",
				zap.String("file", f.FileName), zap.Error(err))
		} else {
			thumb = t
		}
	}

	target, err := u.client.Attachments.UploadURL(ctx, &UploadURLOptions{
		FileName:      f.FileName,
		FileSize:      int64(len(payload)),
		MimeType:      mimeType,
		WithThumbnail: thumb != nil,
	})
	if err != nil {
		return nil, u.fail(f, err)
	}

	// Main transfer owns 0-90% of the bar, reserving the tail for the
	// thumbnail and the completion round trip.
	etag, err := u.put(ctx, target.URL, payload, mimeType, func(sent, total int64) {
		pct := 0
		if total > 0 {
			pct = int(sent * 90 / total)
		}
		u.setProgress(f, pct, onProgress)
	})
	if err != nil {
		return nil, u.fail(f, err)
	}

	if thumb != nil && target.ThumbnailURL != "" {
		if _, err := u.put(ctx, target.ThumbnailURL, thumb, "image/jpeg", nil); err != nil {
			return nil, u.fail(f, err)
		}
		u.setProgress(f, 95, onProgress)
	}

	opts := &CompleteOptions{
		UploadID: target.UploadID,
		Key:      target.Key,
		ETag:     etag,
		FileName: f.FileName,
		FileSize: int64(len(payload)),
		MimeType: mimeType,
	}
	if thumb != nil {
		opts.ThumbnailKey = target.ThumbnailKey
	}
	att, err := u.client.Attachments.Complete(ctx, opts)
	if err != nil {
		return nil, u.fail(f, err)
	}

	u.mu.Lock()
	f.Result = att
	u.mu.Unlock()
	u.setProgress(f, 100, onProgress)
	u.setStatus(f, PendingCompleted, "")
	return att, nil
}

func (u *Uploader) put(ctx context.Context, url string, data []byte, contentType string, onProgress func(sent, total int64)) (string, error) {
	body := &progressReader{r: bytes.NewReader(data), total: int64(len(data)), fn: onProgress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", wrapError(KindFileUpload, "failed to create transfer request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := u.client.httpClient.Do(req)
	if err != nil {
		return "", networkError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", newError(KindFileUpload, fmt.Sprintf("storage rejected transfer (%d): %s", resp.StatusCode, strings.TrimSpace(string(b))))
	}
	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

func (u *Uploader) setStatus(f *PendingAttachment, s PendingStatus, errText string) {
	u.mu.Lock()
	f.Status = s
	f.Error = errText
	snapshot := *f
	handlers := append([]func(PendingAttachment){}, u.onState...)
	u.mu.Unlock()
	for _, h := range handlers {
		h(snapshot)
	}
}

func (u *Uploader) setProgress(f *PendingAttachment, pct int, fn ProgressFunc) {
	u.mu.Lock()
	f.Progress = pct
	u.mu.Unlock()
	if fn != nil {
		fn(f.ID, pct)
	}
}

// fail marks the file failed, keeping its last reported progress.
func (u *Uploader) fail(f *PendingAttachment, err error) error {
	u.setStatus(f, PendingFailed, err.Error())
	return err
}

// progressReader reports cumulative bytes read to fn.
type progressReader struct {
	r     *bytes.Reader
	total int64
	sent  int64
	fn    func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}

// FormatSize renders a byte count the way it appears in validation errors.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func isImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/") && mimeType != "image/gif"
}

// recompressJPEG re-encodes an image at the configured quality. Any decode or
// encode failure falls back to the original bytes at the caller.
func recompressJPEG(data []byte, quality int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	if buf.Len() >= len(data) {
		// Recompression that grows the payload is not worth the fidelity loss.
		return nil, fmt.Errorf("recompressed output larger than source")
	}
	return buf.Bytes(), nil
}

// makeThumbnail downscales an image preserving aspect ratio, bounded to
// maxW x maxH, and encodes it as JPEG.
func makeThumbnail(data []byte, maxW, maxH, quality int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("empty image")
	}

	scale := 1.0
	if sw := float64(maxW) / float64(w); sw < scale {
		scale = sw
	}
	if sh := float64(maxH) / float64(h); sh < scale {
		scale = sh
	}
	tw, th := int(float64(w)*scale), int(float64(h)*scale)
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ============================================================================
// Post-upload status tracking
// ============================================================================

// AttachmentWatcher follows server-side processing (scanning, transcoding)
// for a set of attachment IDs via pushed status events. Track diffs the new
// ID set against the current one so an unchanged set never resubscribes.
type AttachmentWatcher struct {
	client *Client

	mu      sync.Mutex
	tracked []string
}

// NewAttachmentWatcher builds a watcher; register handlers through
// Socket.OnAttachmentStatus.
func NewAttachmentWatcher(c *Client) *AttachmentWatcher {
	return &AttachmentWatcher{client: c}
}

// Track replaces the tracked ID set. Identical sets (order-insensitive) are a
// no-op; otherwise the previous set is unsubscribed before the new one is
// subscribed. The new set is recorded only once the subscribe succeeds, so a
// failed call leaves the watcher retryable with the same IDs.
func (w *AttachmentWatcher) Track(ctx context.Context, ids []string) error {
	next := append([]string(nil), ids...)
	sort.Strings(next)

	w.mu.Lock()
	if sameIDs(w.tracked, next) {
		w.mu.Unlock()
		return nil
	}
	prev := w.tracked
	w.mu.Unlock()

	if len(prev) > 0 {
		if err := w.client.Socket().UnsubscribeAttachmentUpdates(ctx, prev); err != nil {
			w.client.logger.Debug("attachment unsubscribe failed", zap.Error(err))
		}
	}
	if len(next) > 0 {
		if err := w.client.Socket().SubscribeAttachmentUpdates(ctx, next); err != nil {
			// The previous set is already gone and the new one never
			// registered; record that nothing is subscribed.
			w.mu.Lock()
			w.tracked = nil
			w.mu.Unlock()
			return err
		}
	}

	w.mu.Lock()
	w.tracked = next
	w.mu.Unlock()
	return nil
}

// Close unsubscribes everything the watcher still tracks.
func (w *AttachmentWatcher) Close(ctx context.Context) error {
	return w.Track(ctx, nil)
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
