package httputils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrDecode is returned when a 200 response body is not the expected JSON.
	ErrDecode = errors.New("failed to decode response")
	// ErrInvalidResponse is returned when a decoded body fails validation.
	ErrInvalidResponse = errors.New("invalid response")
)

// StatusError is a response with a non 200 status.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed\n\tstatus: %s\n\tresponse: %s", e.Status, e.Body)
}

// SendRequest sends request with client, decodes the JSON body into T and
// runs every validator over it.
func SendRequest[T any](
	client *http.Client,
	request *http.Request,
	validators ...*validator.Validate,
) (*T, error) {
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		buf := bytes.Buffer{}
		if _, err := io.Copy(&buf, res.Body); err != nil {
			return nil, fmt.Errorf("failed to decode error message: %w", err)
		}

		return nil, &StatusError{
			StatusCode: res.StatusCode,
			Status:     res.Status,
			Body:       buf.String(),
		}
	}

	buf := new(T)
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	for _, v := range validators {
		if err := v.Struct(buf); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
		}
	}

	return buf, nil
}

// MakeUrl joins path onto baseUrl and adds the query params.
func MakeUrl(
	baseUrl string,
	path string,
	queryParams map[string]string,
) (*url.URL, error) {
	base, err := url.Parse(baseUrl)
	if err != nil {
		return nil, err
	}

	u := base.JoinPath(path)
	if queryParams != nil {
		q := u.Query()
		for key, val := range queryParams {
			q.Add(key, val)
		}

		u.RawQuery = q.Encode()
	}

	return u, nil
}

// MakeRequest builds a request bound to ctx. A non nil body is sent as JSON.
func MakeRequest(
	ctx context.Context,
	method string, url *url.URL,
	header map[string]string,
	body any,
) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url.String(), reader)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Add(k, v)
	}

	return req, nil
}
