package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func helloHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("Hello, world!"))
}

func TestAuthMiddleware(t *testing.T) {
	t.Run("default middleware with given AuthFailFunc", func(t *testing.T) {
		r := chi.NewRouter()

		firebaseAuth := NewFirebaseAuth("localhost:50053")
		firebaseAuth.AuthFailFunc = func(w http.ResponseWriter, r *http.Request, err error) {
			assert.ErrorIs(t, err, ErrEmptyAuthToken)
			w.WriteHeader(http.StatusBadRequest)
		}

		r.Use(firebaseAuth.Middleware())
		r.Get("/", helloHandler)

		ts := httptest.NewServer(r)
		defer ts.Close()

		req, err := http.NewRequest("GET", ts.URL, nil)
		assert.Nil(t, err)

		resp, err := http.DefaultClient.Do(req)
		assert.Nil(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("default middleware without AuthFailFunc", func(t *testing.T) {
		r := chi.NewRouter()

		firebaseAuth := NewFirebaseAuth("localhost:50053")

		r.Use(firebaseAuth.Middleware())
		r.Get("/", helloHandler)

		ts := httptest.NewServer(r)
		defer ts.Close()

		req, err := http.NewRequest("GET", ts.URL, nil)
		assert.Nil(t, err)

		resp, err := http.DefaultClient.Do(req)
		assert.Nil(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unreachable auth service", func(t *testing.T) {
		r := chi.NewRouter()

		firebaseAuth := NewFirebaseAuth("127.0.0.1:1")
		firebaseAuth.Timeout = 100 * time.Millisecond

		r.Use(firebaseAuth.Middleware())
		r.Get("/", helloHandler)

		ts := httptest.NewServer(r)
		defer ts.Close()

		req, err := http.NewRequest("GET", ts.URL, nil)
		assert.Nil(t, err)
		req.Header.Set("X-Auth", "token")

		resp, err := http.DefaultClient.Do(req)
		assert.Nil(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("stub handler", func(t *testing.T) {
		r := chi.NewRouter()

		firebaseAuth := NewFirebaseAuth("localhost:50053")
		firebaseAuth.StubHandler = func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			})
		}

		r.Use(firebaseAuth.Middleware())
		r.Get("/", helloHandler)

		ts := httptest.NewServer(r)
		defer ts.Close()

		req, err := http.NewRequest("GET", ts.URL, nil)
		assert.Nil(t, err)

		resp, err := http.DefaultClient.Do(req)
		assert.Nil(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	})
}

func TestExtractUserID(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	_, err := extractUserID(req)
	assert.ErrorIs(t, err, ErrNoUserID)

	req = req.WithContext(context.WithValue(req.Context(), UserIDContextKey, "instructor-1"))
	id, err := extractUserID(req)
	assert.NoError(t, err)
	assert.Equal(t, "instructor-1", id)
}
