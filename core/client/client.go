/*
Package client provides easy and fast in-process access to the REST api

Instead of marshalling HTTP, the client talks directly to the mux router.
It is perfectly suited for unit tests, and for services that need to call
their own handlers. With NewWithURL it talks to a remote backend instead.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the
// backend, through the mux router.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to a remote backend.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added.
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	c.defaultHeaders = headers
	return c
}

// WithApplicationToken returns a new client that authenticates as the
// application with the given access token.
func (c Client) WithApplicationToken(token string) Client {
	return c.WithHeader("Access-Token", token)
}

// WithUserToken returns a new client that additionally carries a user
// access token.
func (c Client) WithUserToken(token string) Client {
	return c.WithHeader("User-Access-Token", token)
}

// WithAdminToken returns a new client with an admin bearer token.
func (c Client) WithAdminToken(token string) Client {
	c.token = token
	return c
}

// WithContext returns a new client with a specific request context.
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the client's base context.
func (c Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// RawGet gets the resource from path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// result can be map[string]interface{} or a raw *[]byte. result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodGet, c.url+path, nil)
	return c.do(r, result, http.StatusOK)
}

// RawPost posts a resource to path. Expects http.StatusOK or
// http.StatusCreated as response, otherwise it will flag an error.
//
// body can also be a []byte, result can also be a raw *[]byte.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	data, err := bodyBytes(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodPost, c.url+path, bytes.NewBuffer(data))
	return c.do(r, result, http.StatusOK, http.StatusCreated)
}

// RawPut puts a resource to path. Expects http.StatusOK, http.StatusCreated
// or http.StatusNoContent as valid responses, otherwise it will flag an
// error.
//
// body can also be a []byte, result can also be a raw *[]byte.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	data, err := bodyBytes(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodPut, c.url+path, bytes.NewBuffer(data))
	return c.do(r, result, http.StatusOK, http.StatusCreated, http.StatusNoContent)
}

// RawDelete deletes the resource at path. Expects http.StatusOK or
// http.StatusNoContent as response, otherwise it will flag an error.
func (c Client) RawDelete(path string) (int, error) {
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodDelete, c.url+path, nil)
	return c.do(r, nil, http.StatusOK, http.StatusNoContent)
}

func bodyBytes(body interface{}) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if data, ok := body.([]byte); ok {
		return data, nil
	}
	return json.Marshal(body)
}

func (c Client) do(r *http.Request, result interface{}, expected ...int) (int, error) {
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}

	var err error
	var res *http.Response
	var resBody []byte
	if c.router != nil {
		if c.token != "" {
			r.Header.Add("Authorization", "Bearer "+c.token)
		}
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		if c.token != "" {
			r.Header.Add("Authorization", "Bearer "+c.token)
		}
		res, err = c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, err
		}
		defer res.Body.Close()
		resBody, _ = io.ReadAll(res.Body)
	}

	status := res.StatusCode
	ok := false
	for _, e := range expected {
		ok = ok || status == e
	}
	if !ok {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, expected, strings.TrimSpace(string(resBody)))
	}

	if status != http.StatusNoContent && len(resBody) > 0 && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, err
}
