package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/aws/aws-lambda-go/events"
)

// Handle serves one API Gateway proxy event through the same router as the
// HTTP server. Streamed replies are buffered and returned whole.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	req, err := requestFromEvent(ctx, event)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	w := newLambdaWriter()
	h.engine.ServeHTTP(w, req)
	return w.response(), nil
}

func requestFromEvent(ctx context.Context, event events.APIGatewayProxyRequest) (*http.Request, error) {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return nil, fmt.Errorf("handler: decode event body: %w", err)
		}
		body = decoded
	}

	query := url.Values{}
	for k, vs := range event.MultiValueQueryStringParameters {
		query[k] = append(query[k], vs...)
	}
	for k, v := range event.QueryStringParameters {
		if _, ok := query[k]; !ok {
			query.Set(k, v)
		}
	}

	method := event.HTTPMethod
	if method == "" {
		method = http.MethodGet
	}
	path := event.Path
	if path == "" {
		path = "/"
	}
	u := &url.URL{Path: path, RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("handler: build request: %w", err)
	}
	for k, vs := range event.MultiValueHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, v := range event.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	if ip := event.RequestContext.Identity.SourceIP; ip != "" {
		req.RemoteAddr = net.JoinHostPort(ip, "0")
	}
	return req, nil
}

type lambdaWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newLambdaWriter() *lambdaWriter {
	return &lambdaWriter{header: http.Header{}}
}

func (w *lambdaWriter) Header() http.Header { return w.header }

func (w *lambdaWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *lambdaWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

// Flush is a no-op; the whole body is returned at the end.
func (w *lambdaWriter) Flush() {}

func (w *lambdaWriter) response() events.APIGatewayProxyResponse {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := make(map[string]string, len(w.header))
	for k := range w.header {
		headers[k] = w.header.Get(k)
	}
	return events.APIGatewayProxyResponse{
		StatusCode:        status,
		Headers:           headers,
		MultiValueHeaders: map[string][]string(w.header.Clone()),
		Body:              w.body.String(),
	}
}
