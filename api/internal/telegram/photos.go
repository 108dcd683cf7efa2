package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxPhotoBytes matches the Bot API download limit.
const maxPhotoBytes = 20 << 20

var httpClient = &http.Client{Timeout: 60 * time.Second}

// Download fetches a file from the Bot API file endpoint.
func Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("telegram file %d: %s", resp.StatusCode, string(b))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxPhotoBytes {
		return nil, fmt.Errorf("telegram file larger than %d bytes", maxPhotoBytes)
	}
	return data, nil
}
