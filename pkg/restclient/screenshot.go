package restclient

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
)

// UpdateScreenshot PUTs the JPEG screenshot as multipart/form-data to
// /v1/broadcasts/{broadcastId} (§4.2, §6) under the part name
// broadcast[game_image].
func (c *Client) UpdateScreenshot(ctx context.Context, broadcastID string, jpeg []byte) bool {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("broadcast[game_image]", "screenshot.jpg")
	if err != nil {
		return false
	}
	if _, err := part.Write(jpeg); err != nil {
		return false
	}
	if err := writer.Close(); err != nil {
		return false
	}

	url := c.endpoints.API + "/v1/broadcasts/" + broadcastID
	return c.doAuthenticatedBool(ctx, http.MethodPut, url, writer.FormDataContentType(), buf.Bytes())
}
