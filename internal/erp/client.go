// Package erp pulls documents and DocType metadata from an ERPNext/Frappe
// site and turns them into index documents and graph entities.
package erp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Document is one ERP record as returned by the resource API.
type Document map[string]any

// Field is one entry of a DocType's field list.
type Field struct {
	Name    string `json:"fieldname"`
	Label   string `json:"label,omitempty"`
	Type    string `json:"fieldtype"`
	Options string `json:"options,omitempty"`
}

// Meta describes a DocType.
type Meta struct {
	Name          string  `json:"name"`
	Module        string  `json:"module,omitempty"`
	IsTable       int     `json:"istable"`
	IsSubmittable int     `json:"is_submittable"`
	Custom        int     `json:"custom"`
	Fields        []Field `json:"fields"`
}

// StatusError is returned when the ERP answers with a non-200 status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: erp returned %d: %s", e.Op, e.Code, e.Body)
	}
	return fmt.Sprintf("%s: erp returned %d", e.Op, e.Code)
}

// IsTransient reports whether a failed ERP call is worth retrying later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Client talks to the Frappe REST API. apiKey is "key:secret".
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// Configured reports whether a base URL was given.
func (c *Client) Configured() bool { return c != nil && c.baseURL != "" }

func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "token "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

// Documents fetches up to limit records of doctype with all fields.
func (c *Client) Documents(ctx context.Context, doctype string, limit int) ([]Document, error) {
	q := url.Values{}
	q.Set("fields", `["*"]`)
	q.Set("limit_page_length", strconv.Itoa(limit))
	var body struct {
		Data []Document `json:"data"`
	}
	if err := c.get(ctx, "erp documents", "/api/resource/"+url.PathEscape(doctype), q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// DocTypes lists the site's DocType names, child tables excluded.
func (c *Client) DocTypes(ctx context.Context, limit int) ([]string, error) {
	q := url.Values{}
	q.Set("filters", `[["istable","=",0]]`)
	q.Set("limit_page_length", strconv.Itoa(limit))
	var body struct {
		Data []struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := c.get(ctx, "erp doctypes", "/api/resource/DocType", q, &body); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(body.Data))
	for _, d := range body.Data {
		names = append(names, d.Name)
	}
	return names, nil
}

// Meta returns the field list of doctype.
func (c *Client) Meta(ctx context.Context, doctype string) (Meta, error) {
	var body struct {
		Data Meta `json:"data"`
	}
	if err := c.get(ctx, "erp meta", "/api/resource/DocType/"+url.PathEscape(doctype), nil, &body); err != nil {
		return Meta{}, err
	}
	if body.Data.Name == "" {
		body.Data.Name = doctype
	}
	return body.Data, nil
}
