package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/referral-network/internal/metrics"
	"github.com/mmeshcher/referral-network/internal/model"
	"github.com/mmeshcher/referral-network/internal/notify"
	"github.com/mmeshcher/referral-network/internal/repository"
	"github.com/mmeshcher/referral-network/internal/service"
)

type stubService struct {
	registration *service.Registration
	registerErr  error

	joinErr error

	purchaseRes    *model.PurchaseResult
	purchaseErr    error
	purchaseAmount decimal.Decimal
	purchaseProfit decimal.Decimal

	report    *model.EarningsReport
	reportErr error

	tree    *model.TreeNode
	treeErr error

	notes    []model.Notification
	notesErr error

	txns    []model.Transaction
	txnsErr error

	txn     *model.Transaction
	earning *model.Earning
	lookup  []string

	users    []model.User
	usersErr error

	user    *model.User
	userErr error
}

func (s *stubService) RegisterUser(ctx context.Context, email, name, referralCode string) (*service.Registration, error) {
	return s.registration, s.registerErr
}

func (s *stubService) JoinByReferralCode(ctx context.Context, code, childID string) error {
	return s.joinErr
}

func (s *stubService) ProcessPurchase(ctx context.Context, userID string, amount, profit decimal.Decimal) (*model.PurchaseResult, error) {
	s.purchaseAmount = amount
	s.purchaseProfit = profit
	return s.purchaseRes, s.purchaseErr
}

func (s *stubService) EarningsReport(ctx context.Context, userID string) (*model.EarningsReport, error) {
	return s.report, s.reportErr
}

func (s *stubService) ReferralTree(ctx context.Context, userID string) (*model.TreeNode, error) {
	return s.tree, s.treeErr
}

func (s *stubService) Notifications(ctx context.Context, userID string) ([]model.Notification, error) {
	return s.notes, s.notesErr
}

func (s *stubService) Transactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.txns, s.txnsErr
}

func (s *stubService) Transaction(ctx context.Context, userID, id string) (*model.Transaction, error) {
	s.lookup = []string{userID, id}
	if s.txn == nil {
		return nil, repository.ErrTransactionNotFound
	}
	return s.txn, nil
}

func (s *stubService) Earning(ctx context.Context, userID, id string) (*model.Earning, error) {
	s.lookup = []string{userID, id}
	if s.earning == nil {
		return nil, repository.ErrEarningNotFound
	}
	return s.earning, nil
}

func (s *stubService) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.users, s.usersErr
}

func (s *stubService) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.user, s.userErr
}

func newTestRouter(t *testing.T, svc Service, opts ...Option) http.Handler {
	t.Helper()
	return NewHandler(svc, nil, zap.NewNop(), opts...).SetupRouter()
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var res map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), "body: %s", w.Body.String())
	return res
}

func TestRegister(t *testing.T) {
	type want struct {
		status        int
		referralError string
		errorText     string
	}

	user := &model.User{ID: "u1", Email: "a@example.com", Name: "A", ReferralCode: "REF000001"}

	tests := []struct {
		name string
		svc  *stubService
		body string
		want want
	}{
		{
			name: "success",
			svc:  &stubService{registration: &service.Registration{User: user}},
			body: `{"email":"a@example.com","name":"A"}`,
			want: want{status: http.StatusOK},
		},
		{
			name: "referral code rejected",
			svc: &stubService{registration: &service.Registration{
				User:        user,
				ReferralErr: repository.ErrReferralLimit,
			}},
			body: `{"email":"a@example.com","name":"A","referralCode":"REF999999"}`,
			want: want{status: http.StatusOK, referralError: repository.ErrReferralLimit.Error()},
		},
		{
			name: "duplicate email",
			svc:  &stubService{registerErr: repository.ErrUserExists},
			body: `{"email":"a@example.com","name":"A"}`,
			want: want{status: http.StatusConflict, errorText: repository.ErrUserExists.Error()},
		},
		{
			name: "invalid input",
			svc:  &stubService{registerErr: service.ErrInvalidInput},
			body: `{"email":"nope","name":"A"}`,
			want: want{status: http.StatusBadRequest},
		},
		{
			name: "malformed json",
			svc:  &stubService{},
			body: `{"email":`,
			want: want{status: http.StatusBadRequest},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, newTestRouter(t, tt.svc), http.MethodPost, "/api/users", tt.body)

			require.Equal(t, tt.want.status, w.Code, w.Body.String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			res := decodeBody(t, w)
			if tt.want.status != http.StatusOK {
				assert.NotEmpty(t, res["error"])
				if tt.want.errorText != "" {
					assert.Equal(t, tt.want.errorText, res["error"])
				}
				return
			}

			u, ok := res["user"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "u1", u["id"])
			assert.Equal(t, "REF000001", u["referralCode"])
			if tt.want.referralError == "" {
				assert.NotContains(t, res, "referralError")
			} else {
				assert.Equal(t, tt.want.referralError, res["referralError"])
			}
		})
	}
}

func TestPurchase(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc := &stubService{purchaseRes: &model.PurchaseResult{
			Transaction: model.Transaction{ID: "t1", UserID: "u1"},
			Earnings:    []model.Earning{{ID: "e1", UserID: "p1", Level: 1}},
		}}
		w := doRequest(t, newTestRouter(t, svc), http.MethodPost, "/api/purchases",
			`{"userId":"u1","amount":1500.50,"profit":"200"}`)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.True(t, svc.purchaseAmount.Equal(decimal.RequireFromString("1500.5")))
		assert.True(t, svc.purchaseProfit.Equal(decimal.NewFromInt(200)))

		res := decodeBody(t, w)
		assert.Equal(t, true, res["success"])
		assert.Len(t, res["earnings"], 1)
	})

	t.Run("missing fields", func(t *testing.T) {
		w := doRequest(t, newTestRouter(t, &stubService{}), http.MethodPost, "/api/purchases", `{"userId":"u1","amount":1500}`)

		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Missing required fields", decodeBody(t, w)["error"])
	})

	t.Run("below minimum", func(t *testing.T) {
		svc := &stubService{purchaseErr: service.ErrBelowMinimum}
		w := doRequest(t, newTestRouter(t, svc), http.MethodPost, "/api/purchases", `{"userId":"u1","amount":10,"profit":1}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		svc := &stubService{purchaseErr: repository.ErrUserNotFound}
		w := doRequest(t, newTestRouter(t, svc), http.MethodPost, "/api/purchases", `{"userId":"x","amount":1000,"profit":1}`)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestReadEndpoints(t *testing.T) {
	svc := &stubService{
		report: &model.EarningsReport{UserID: "u1", RecentEarnings: []model.Earning{}},
		tree:   &model.TreeNode{User: model.User{ID: "u1"}, Children: []*model.TreeNode{}},
		notes:  []model.Notification{{ID: "n1", Kind: model.NotificationNewReferral}},
		txns:   []model.Transaction{{ID: "t1"}},
		users:  []model.User{{ID: "u1"}, {ID: "u2"}},
		user:   &model.User{ID: "u1"},
	}
	r := newTestRouter(t, svc)

	tests := []struct {
		path string
		key  string
	}{
		{path: "/api/earnings/u1", key: "report"},
		{path: "/api/referrals/u1", key: "referralTree"},
		{path: "/api/notifications/u1", key: "notifications"},
		{path: "/api/transactions/u1", key: "transactions"},
		{path: "/api/users", key: "users"},
		{path: "/api/users/u1", key: "user"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := doRequest(t, r, http.MethodGet, tt.path, "")
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Contains(t, decodeBody(t, w), tt.key)
		})
	}
}

func TestPurchase_RejectsOversizedNumbers(t *testing.T) {
	svc := service.NewService(repository.NewMemoryRepository(), nil, nil)
	r := newTestRouter(t, svc)

	bodies := []string{
		`{"userId":"u1","amount":1e50000000,"profit":100}`,
		`{"userId":"u1","amount":1500,"profit":1e50000000}`,
		`{"userId":"u1","amount":1e-50000000,"profit":100}`,
	}
	for _, body := range bodies {
		w := doRequest(t, r, http.MethodPost, "/api/purchases", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Less(t, w.Body.Len(), 512)
	}
}

func TestDetailEndpoints(t *testing.T) {
	t.Run("transaction", func(t *testing.T) {
		svc := &stubService{txn: &model.Transaction{ID: "t1", UserID: "u1"}}
		w := doRequest(t, newTestRouter(t, svc), http.MethodGet, "/api/transactions/u1/t1", "")

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, decodeBody(t, w), "transaction")
		assert.Equal(t, []string{"u1", "t1"}, svc.lookup)
	})

	t.Run("earning", func(t *testing.T) {
		svc := &stubService{earning: &model.Earning{ID: "e1", UserID: "u1"}}
		w := doRequest(t, newTestRouter(t, svc), http.MethodGet, "/api/earnings/u1/e1", "")

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, decodeBody(t, w), "earning")
		assert.Equal(t, []string{"u1", "e1"}, svc.lookup)
	})

	t.Run("missing", func(t *testing.T) {
		w := doRequest(t, newTestRouter(t, &stubService{}), http.MethodGet, "/api/transactions/u1/nope", "")
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = doRequest(t, newTestRouter(t, &stubService{}), http.MethodGet, "/api/earnings/u1/nope", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "not found", err: repository.ErrUserNotFound, status: http.StatusNotFound},
		{name: "constraint", err: repository.ErrReferralLimit, status: http.StatusConflict},
		{name: "validation", err: service.ErrInvalidInput, status: http.StatusBadRequest},
		{name: "internal", err: errors.New("db is down"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{reportErr: tt.err}
			w := doRequest(t, newTestRouter(t, svc), http.MethodGet, "/api/earnings/u1", "")

			require.Equal(t, tt.status, w.Code)
			msg := decodeBody(t, w)["error"]
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, http.StatusText(http.StatusInternalServerError), msg)
			} else {
				assert.Equal(t, tt.err.Error(), msg)
			}
		})
	}
}

func TestJoin(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		w := doRequest(t, newTestRouter(t, &stubService{}), http.MethodPost, "/api/referrals/join",
			`{"referralCode":"REF123456","userId":"u2"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decodeBody(t, w)["success"])
	})

	t.Run("already referred", func(t *testing.T) {
		svc := &stubService{joinErr: repository.ErrAlreadyReferred}
		w := doRequest(t, newTestRouter(t, svc), http.MethodPost, "/api/referrals/join",
			`{"referralCode":"REF123456","userId":"u2"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		w := doRequest(t, newTestRouter(t, &stubService{}), http.MethodPost, "/api/referrals/join", `{"userId":"u2"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	r := newTestRouter(t, &stubService{})

	w := doRequest(t, r, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, r, http.MethodDelete, "/api/purchases", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := newTestRouter(t, &stubService{user: &model.User{ID: "u1"}}, WithMetrics(m, reg))

	doRequest(t, r, http.MethodGet, "/api/users/u1", "")

	w := doRequest(t, r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `http_requests_total{method="GET",path="/api/users/{userId}",status="200"} 1`)
}

func TestLive(t *testing.T) {
	auth := func(t *testing.T, svc *stubService, userID string) map[string]any {
		t.Helper()

		hub := notify.NewHub(zap.NewNop())
		ts := httptest.NewServer(NewHandler(svc, hub, zap.NewNop()).SetupRouter())
		defer ts.Close()

		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "userId": userID}))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	ok := auth(t, &stubService{user: &model.User{ID: "u1"}}, "u1")
	assert.Equal(t, "auth_success", ok["type"])
	assert.Equal(t, "Connected successfully", ok["message"])

	rejected := auth(t, &stubService{userErr: repository.ErrUserNotFound}, "ghost")
	assert.Equal(t, "auth_error", rejected["type"])
}
