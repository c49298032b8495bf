package stream

import (
	"fmt"
	"net/http"
	"time"
)

const mjpegBoundary = "frame"

// ServeHTTP streams the camera as multipart MJPEG at the configured frame
// rate until the client goes away or the camera stops.
func (c *Camera) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if !c.Running() {
		http.Error(w, "camera not running", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-store")

	ticker := time.NewTicker(c.frameInterval())
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		if !c.Running() {
			return
		}
		frame := c.Frame()
		if frame == nil {
			continue
		}
		_, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
			mjpegBoundary, len(frame))
		if err != nil {
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		if _, err := fmt.Fprint(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}
