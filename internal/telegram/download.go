// internal/telegram/download.go
package telegram

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

var downloadClient = &http.Client{Timeout: 30 * time.Second}

// fetchToTemp downloads a Telegram file URL into a temp file and returns
// its path. Files are left for the OS temp cleaner; turns read them
// immediately after enqueue.
func fetchToTemp(url string) (string, error) {
	resp, err := downloadClient.Get(url)
	if err != nil {
		return "", fmt.Errorf("fetch photo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch photo: status %d", resp.StatusCode)
	}

	f, err := os.CreateTemp("", "stagehand-photo-*.jpg")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write photo: %w", err)
	}
	return f.Name(), nil
}
