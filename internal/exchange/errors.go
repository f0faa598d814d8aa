package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/adshao/go-binance/v2/common"
)

var (
	// ErrRateLimited is returned for writes (and cold reads) during the cooldown window.
	ErrRateLimited = errors.New("exchange is rate limited, cooling down")
	// ErrNotFound is returned when the configured symbol or an order cannot be found.
	ErrNotFound = errors.New("not found")
)

// APIError 定义了币安API返回的错误信息结构
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
}

// Error 方法使得 APIError 实现了 error 接口
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: status=%d, code=%d, msg=%s", e.HTTPStatus, e.Code, e.Msg)
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	var sdkErr *common.APIError
	if errors.As(err, &sdkErr) {
		return &APIError{Code: int(sdkErr.Code), Msg: sdkErr.Message}, true
	}
	return nil, false
}

// IsRateLimitError reports 429/418 responses and the request-weight error codes.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	apiErr, ok := asAPIError(err)
	if !ok {
		return false
	}
	if apiErr.HTTPStatus == http.StatusTooManyRequests || apiErr.HTTPStatus == http.StatusTeapot {
		return true
	}
	return apiErr.Code == -1003 || apiErr.Code == -1015
}

// IsAuthError reports credential or signature rejections. These are fatal for the engine.
func IsAuthError(err error) bool {
	apiErr, ok := asAPIError(err)
	if !ok {
		return false
	}
	if apiErr.HTTPStatus == http.StatusUnauthorized {
		return true
	}
	switch apiErr.Code {
	case -2014, -2015, -1022, -1002:
		return true
	}
	return false
}

// IsMarginError reports insufficient margin / position limit rejections.
func IsMarginError(err error) bool {
	apiErr, ok := asAPIError(err)
	if !ok {
		return false
	}
	switch apiErr.Code {
	case -2018, -2019, -2027, -2028, -4164:
		return true
	}
	return false
}

// IsUnknownOrderError reports cancels or queries for orders the exchange no longer knows.
func IsUnknownOrderError(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	apiErr, ok := asAPIError(err)
	if !ok {
		return false
	}
	return apiErr.Code == -2011 || apiErr.Code == -2013
}

// IsTransient reports errors worth retrying: network failures, timeouts and 5xx.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if apiErr, ok := asAPIError(err); ok {
		if apiErr.HTTPStatus >= 500 {
			return true
		}
		// -1001 internal disconnect, -1007 backend timeout
		return apiErr.Code == -1001 || apiErr.Code == -1007
	}
	return false
}
