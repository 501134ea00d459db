package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// GetFile resolves a file id to a platform file descriptor whose FilePath
// can be passed to Download.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	p := struct {
		FileID string `json:"file_id"`
	}{fileID}
	var f File
	if err := c.call(ctx, c.httpClient, "getFile", p, &f); err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, fmt.Errorf("telegram: getFile: empty file_path for %s", fileID)
	}
	return &f, nil
}

// Download streams the content of a resolved file path. The caller must
// close the returned reader.
func (c *Client) Download(ctx context.Context, filePath string) (io.ReadCloser, error) {
	url := c.apiBase + "/file/bot" + c.token + "/" + filePath
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: download: build request: %w", err)
	}
	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download %s: %w", filePath, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("telegram: download %s: http %d", filePath, resp.StatusCode)
	}
	return resp.Body, nil
}
