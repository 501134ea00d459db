package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
)

// SendMessageParams configures SendMessage.
type SendMessageParams struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	ReplyToMessageID      int64  `json:"reply_to_message_id,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// SendMessage posts a text message and returns the created message.
func (c *Client) SendMessage(ctx context.Context, p SendMessageParams) (*Message, error) {
	var msg Message
	if err := c.call(ctx, c.httpClient, "sendMessage", p, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessageTextParams configures EditMessageText.
type EditMessageTextParams struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// EditMessageText replaces the text of a previously sent message in place.
func (c *Client) EditMessageText(ctx context.Context, p EditMessageTextParams) error {
	return c.call(ctx, c.httpClient, "editMessageText", p, nil)
}

// DeleteMessage removes a message. Deleting an already-deleted message
// returns an APIError which callers typically ignore.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	p := struct {
		ChatID    int64 `json:"chat_id"`
		MessageID int64 `json:"message_id"`
	}{chatID, messageID}
	return c.call(ctx, c.httpClient, "deleteMessage", p, nil)
}

// SendChatAction posts a transient status indicator ("typing", ...). It is
// fire-and-forget: the short action timeout applies and errors are returned
// for logging only.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	p := struct {
		ChatID int64  `json:"chat_id"`
		Action string `json:"action"`
	}{chatID, action}
	return c.call(ctx, c.actionClient, "sendChatAction", p, nil)
}

// SendDocument uploads a file as an attached document via multipart form
// data, with an optional caption.
func (c *Client) SendDocument(ctx context.Context, chatID int64, filename string, content io.Reader, caption string) (*Message, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return nil, fmt.Errorf("telegram: sendDocument: %w", err)
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return nil, fmt.Errorf("telegram: sendDocument: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("document", filename)
	if err != nil {
		return nil, fmt.Errorf("telegram: sendDocument: %w", err)
	}
	if _, err := io.Copy(fw, content); err != nil {
		return nil, fmt.Errorf("telegram: sendDocument: copy: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("telegram: sendDocument: %w", err)
	}

	url := c.apiBase + "/bot" + c.token + "/sendDocument"
	req, err := http.NewRequestWithContext(ctx, "POST", url, &body)
	if err != nil {
		return nil, fmt.Errorf("telegram: sendDocument: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: sendDocument: %w", err)
	}
	defer resp.Body.Close()

	var msg Message
	if err := decodeResponse("sendDocument", resp.Body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendInvoiceParams configures SendInvoice.
type SendInvoiceParams struct {
	ChatID        int64          `json:"chat_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Payload       string         `json:"payload"`
	ProviderToken string         `json:"provider_token"`
	Currency      string         `json:"currency"`
	Prices        []LabeledPrice `json:"prices"`
}

// SendInvoice posts a payment invoice.
func (c *Client) SendInvoice(ctx context.Context, p SendInvoiceParams) (*Message, error) {
	var msg Message
	if err := c.call(ctx, c.httpClient, "sendInvoice", p, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AnswerPreCheckoutQuery confirms or rejects a pending payment. errMessage
// is shown to the user when ok is false.
func (c *Client) AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errMessage string) error {
	p := struct {
		PreCheckoutQueryID string `json:"pre_checkout_query_id"`
		OK                 bool   `json:"ok"`
		ErrorMessage       string `json:"error_message,omitempty"`
	}{queryID, ok, errMessage}
	return c.call(ctx, c.httpClient, "answerPreCheckoutQuery", p, nil)
}
