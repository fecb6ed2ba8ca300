package membership

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clubpass/internal/directory"
	"clubpass/internal/identity"
	"clubpass/internal/ledger"
	"clubpass/internal/payments"
	"clubpass/internal/testdb"
)

type integrationSuite struct {
	server   *httptest.Server
	sandbox  *payments.Sandbox
	verifier *identity.Verifier
}

func setupIntegrationSuite(t *testing.T) *integrationSuite {
	t.Helper()
	db := testdb.Open(t)

	sandbox := payments.NewSandbox(checkoutBase)
	dir := directory.NewService(db)
	svc := NewService(ledger.NewPostgresStore(db), dir, sandbox, Options{Currency: "usd"})

	v := identity.NewVerifier("integration-secret")
	r := chi.NewRouter()
	directory.NewHandler(dir).Register(r, identity.Middleware(v))
	NewHandler(svc).Register(r, identity.Middleware(v))

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return &integrationSuite{server: server, sandbox: sandbox, verifier: v}
}

func (s *integrationSuite) token(t *testing.T, userID string, role identity.Role) string {
	t.Helper()
	tok, err := s.verifier.Issue(identity.Actor{UserID: userID, Role: role}, time.Minute)
	require.NoError(t, err)
	return tok
}

func (s *integrationSuite) call(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// approvedClub creates a club through the API and has an admin approve it.
func (s *integrationSuite) approvedClub(t *testing.T, fee int64) directory.Club {
	t.Helper()
	resp := s.call(t, http.MethodPost, "/clubs",
		directory.CreateClubInput{Name: "Rowing", MembershipFee: fee}, s.token(t, "manager-1", identity.RoleManager))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	club := decode[directory.Club](t, resp)

	resp = s.call(t, http.MethodPost, "/clubs/"+club.ID.String()+"/approve", nil, s.token(t, "admin-1", identity.RoleAdmin))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[directory.Club](t, resp)
}

func TestPaidMembershipFlowOverPostgres(t *testing.T) {
	s := setupIntegrationSuite(t)

	resp := s.call(t, http.MethodPost, "/users", directory.RegisterUserInput{Email: "Ada@Example.com", Name: "Ada"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	user := decode[directory.User](t, resp)
	assert.Equal(t, "ada@example.com", user.Email)
	tok := s.token(t, user.ID.String(), identity.RoleMember)

	club := s.approvedClub(t, 2500)

	resp = s.call(t, http.MethodPost, "/clubs/"+club.ID.String()+"/join", nil, tok)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	intent := decode[IntentOutcome](t, resp)
	sid := strings.TrimPrefix(intent.CheckoutURL, checkoutBase+"/checkout/")
	require.NoError(t, s.sandbox.Pay(sid, "pi_"+sid))

	resp = s.call(t, http.MethodGet, "/payments/success?session_id="+sid, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conf := decode[ConfirmationOutcome](t, resp)
	assert.False(t, conf.AlreadyProcessed)
	require.NotNil(t, conf.Record)
	assert.Equal(t, ledger.StatusActive, conf.Record.Status)

	resp = s.call(t, http.MethodPost, "/payments/confirm", ConfirmInput{SessionID: sid}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[ConfirmationOutcome](t, resp).AlreadyProcessed)

	resp = s.call(t, http.MethodGet, "/me/memberships", nil, tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	views := decode[[]MembershipView](t, resp)
	require.Len(t, views, 1)
	assert.Equal(t, "Rowing", views[0].Club.Name)

	resp = s.call(t, http.MethodGet, "/records/membership/"+intent.Record.ID.String()+"/history", nil, tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[[]ledger.Event](t, resp)
	require.Len(t, history, 2)
	assert.Equal(t, ledger.EventMembershipActivated, history[1].EventType)
}

func TestConcurrentJoinsOverPostgres(t *testing.T) {
	s := setupIntegrationSuite(t)
	club := s.approvedClub(t, 2500)
	tok := s.token(t, "racer", identity.RoleMember)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/clubs/%s/join", s.server.URL, club.ID), nil)
			req.Header.Set("Authorization", "Bearer "+tok)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			resp.Body.Close()
			mu.Lock()
			statuses[resp.StatusCode]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, statuses[http.StatusCreated], "only one concurrent join should succeed")
	assert.Equal(t, 9, statuses[http.StatusConflict])
	assert.Equal(t, 1, s.sandbox.Creates())
}
