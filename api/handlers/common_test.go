package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/multiquery/types"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{"message":"hello"}`, w.Body.String())
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrAuthentication, http.StatusUnauthorized},
		{types.ErrAuthorization, http.StatusForbidden},
		{types.ErrBlocked, http.StatusForbidden},
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrInsufficientCredit, http.StatusPaymentRequired},
		{types.ErrTimeout, http.StatusGatewayTimeout},
		{types.ErrCooldown, http.StatusServiceUnavailable},
		{types.ErrServerError, http.StatusBadGateway},
		{types.ErrMalformedStream, http.StatusBadGateway},
		{types.ErrInternalError, http.StatusInternalServerError},
		{types.ErrorCode("SOMETHING_ELSE"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, types.NewError(tt.code, "boom").WithProvider("openai"), zap.NewNop())

			assert.Equal(t, tt.want, w.Code)
			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.code), resp.Error.Code)
			assert.Equal(t, "openai", resp.Error.Provider)
		})
	}
}

func TestWriteError_ExplicitStatusWins(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, types.NewError(types.ErrInvalidRequest, "too big").WithHTTPStatus(http.StatusRequestEntityTooLarge), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestWriteInternal_KeepsTypedErrors(t *testing.T) {
	w := httptest.NewRecorder()
	writeInternal(w, types.NewError(types.ErrInvalidRequest, "prompt must not be empty"), "x", zap.NewNop())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	writeInternal(w, errors.New("db down"), "failed to load", zap.NewNop())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "failed to load")
	assert.NotContains(t, w.Body.String(), "db down")
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Prompt string `json:"prompt"`
	}

	t.Run("valid", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":"hi"}`))
		var dst payload
		require.NoError(t, DecodeJSONBody(httptest.NewRecorder(), r, &dst, nil))
		assert.Equal(t, "hi", dst.Prompt)
	})

	t.Run("unknown field", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":"hi","model":"x"}`))
		var dst payload
		require.Error(t, DecodeJSONBody(w, r, &dst, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("empty", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		var dst payload
		require.Error(t, DecodeJSONBody(w, r, &dst, nil))
		assert.Contains(t, w.Body.String(), "request body is empty")
	})

	t.Run("too large", func(t *testing.T) {
		w := httptest.NewRecorder()
		big := `{"prompt":"` + strings.Repeat("a", maxBodyBytes) + `"}`
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
		var dst payload
		require.Error(t, DecodeJSONBody(w, r, &dst, nil))
		assert.Contains(t, w.Body.String(), "exceeds")
	})
}

func TestValidateContentType(t *testing.T) {
	for ct, want := range map[string]bool{
		"application/json":                true,
		"application/json; charset=utf-8": true,
		"Application/JSON":                true,
		"text/plain":                      false,
		"":                                false,
	} {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Content-Type", ct)
		w := httptest.NewRecorder()
		assert.Equal(t, want, ValidateContentType(w, r, nil), ct)
		if !want {
			assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
		}
	}
}

// =============================================================================
// 🧪 ResponseWriter
// =============================================================================

func TestResponseWriter_CapturesStatusAndBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusInternalServerError) // ignored
	n, err := rw.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)
	assert.Equal(t, int64(5), rw.BytesWritten)
	assert.Same(t, rw, NewResponseWriter(rw))
}

func TestResponseWriter_FlushReachesUnderlying(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)
	rw.Flush()
	assert.True(t, rec.Flushed)
	assert.NoError(t, http.NewResponseController(rw).Flush())
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestResponseWriter_Hijack(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())
	_, _, err := rw.Hijack()
	assert.Error(t, err)

	hr := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = NewResponseWriter(hr)
	_, _, err = rw.Hijack()
	require.NoError(t, err)
	assert.True(t, hr.hijacked)
	assert.Equal(t, http.StatusSwitchingProtocols, rw.StatusCode)
}
