package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// postJSON sends in as a JSON body and decodes a 2xx answer into out. Non-2xx
// answers become "<name>: <body or status>".
func postJSON(ctx context.Context, client *http.Client, name, url string, header http.Header, in, out any) error {
	if client == nil {
		return errors.Errorf("%s: http client is nil", name)
	}
	b, err := json.Marshal(in)
	if err != nil {
		return errors.Wrapf(err, "%s: encode request", name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return errors.Wrapf(err, "%s: build request", name)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s: request", name)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return errors.Errorf("%s: %s", name, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "%s: decode response", name)
	}
	return nil
}
