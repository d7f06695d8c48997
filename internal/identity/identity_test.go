package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/deepsearch/internal/domain"
)

type memoryUsers struct {
	mu    sync.Mutex
	users map[string]*domain.User
	seen  int
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{users: map[string]*domain.User{}}
}

func (m *memoryUsers) GetUser(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id], nil
}

func (m *memoryUsers) UpsertUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.UserID] = u
	return nil
}

func (m *memoryUsers) UpdateLastSeen(_ context.Context, _ string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen++
	return nil
}

func captureUser(got *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestMiddlewareTrustedHeader(t *testing.T) {
	users := newMemoryUsers()
	var got string
	h := Middleware(users, Options{TrustedHeader: "X-User-ID"})(captureUser(&got))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "alice@example.com")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != "alice@example.com" {
		t.Fatalf("expected trusted user, got %q", got)
	}
	if users.users["alice@example.com"] == nil {
		t.Fatal("expected user to be created")
	}
}

func TestMiddlewareAnonymousCookieIsStable(t *testing.T) {
	users := newMemoryUsers()
	var got string
	h := Middleware(users, Options{AllowAnonymous: true, IsDev: true})(captureUser(&got))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	first := got
	if !isValidAnonID(first) {
		t.Fatalf("expected anonymous id, got %q", first)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName {
		t.Fatalf("expected identity cookie, got %v", cookies)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != first {
		t.Fatalf("expected stable id %q, got %q", first, got)
	}
	if users.seen != 1 {
		t.Fatalf("expected returning user to be touched once, got %d", users.seen)
	}
}

func TestMiddlewareWithoutIdentity(t *testing.T) {
	users := newMemoryUsers()
	got := "unset"
	h := Middleware(users, Options{TrustedHeader: "X-User-ID"})(captureUser(&got))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "bad id with spaces")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got != "" {
		t.Fatalf("expected no identity, got %q", got)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("no cookie should be issued when anonymous access is off")
	}
}

func TestDeriveUsername(t *testing.T) {
	if got := deriveUsername("anon_0123456789abcdef0123456789abcdef"); got != "anon-89abcdef" {
		t.Fatalf("unexpected anonymous username %q", got)
	}
	if got := deriveUsername("alice"); got != "alice" {
		t.Fatalf("unexpected username %q", got)
	}
}

func TestWithUserCarriesUsername(t *testing.T) {
	ctx := WithUser(context.Background(), "anon_0123456789abcdef")
	if got := UserIDFromContext(ctx); got != "anon_0123456789abcdef" {
		t.Fatalf("unexpected user id %q", got)
	}
	if got := UsernameFromContext(ctx); got != "anon-89abcdef" {
		t.Fatalf("unexpected username %q", got)
	}
	if got := UsernameFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty username without identity, got %q", got)
	}
}
