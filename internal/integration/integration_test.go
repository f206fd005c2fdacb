//go:build integration
// +build integration

package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	httpapi "github.com/execution-hub/regflow/internal/api/http"
	"github.com/execution-hub/regflow/internal/application/orchestrator"
	"github.com/execution-hub/regflow/internal/application/poller"
	"github.com/execution-hub/regflow/internal/application/statesync"
	"github.com/execution-hub/regflow/internal/application/validator"
	"github.com/execution-hub/regflow/internal/domain/workflow"
	"github.com/execution-hub/regflow/internal/infrastructure/accounts"
	"github.com/execution-hub/regflow/internal/infrastructure/pageagent"
	"github.com/execution-hub/regflow/internal/infrastructure/postgres"
	"github.com/execution-hub/regflow/internal/infrastructure/sse"
	"github.com/execution-hub/regflow/internal/migrations"
)

const testEmail = "alice@example.com"
const testCode = "482913"

func TestRegistrationFlowIntegration(t *testing.T) {
	env := newTestEnv(t)
	stack := env.start(t)
	defer stack.close()

	stream := openStream(t, stack.server.URL)
	defer stream.close()

	resp := postJSON(t, stack.server.URL+"/v1/registrations", map[string]string{
		"email": testEmail, "password": "S3cure!Passw0rd", "username": "alice",
	})
	expectStatus(t, resp, http.StatusCreated)

	waitForState(t, stack.server.URL, workflow.StateDetectingPage)

	resp = postJSON(t, stack.server.URL+"/v1/events", map[string]interface{}{
		"type": "pageReady", "payload": map[string]string{"step": "step2"},
	})
	expectStatus(t, resp, http.StatusOK)

	resp = postJSON(t, stack.server.URL+"/v1/events", map[string]interface{}{"type": "registrationSubmitted"})
	expectStatus(t, resp, http.StatusOK)

	waitForState(t, stack.server.URL, workflow.StateCompleted)

	if got := env.accounts.status(testEmail); got != "verified" {
		t.Fatalf("remote status = %q, want verified", got)
	}
	if got := env.agent.filledCode(); got != testCode {
		t.Fatalf("filled code = %q, want %s", got, testCode)
	}
	if !stream.sawState(workflow.StateCompleted, 5*time.Second) {
		t.Fatalf("stream never reported %s", workflow.StateCompleted)
	}

	var accountsResp struct {
		Accounts []struct {
			Email  string `json:"email"`
			Status string `json:"status"`
			Local  bool   `json:"local"`
			Remote bool   `json:"remote"`
		} `json:"accounts"`
	}
	getJSON(t, stack.server.URL+"/v1/accounts", &accountsResp)
	if len(accountsResp.Accounts) != 1 || !accountsResp.Accounts[0].Local || !accountsResp.Accounts[0].Remote {
		t.Fatalf("unexpected accounts view: %+v", accountsResp.Accounts)
	}
}

func TestRestoreAcrossRestartIntegration(t *testing.T) {
	env := newTestEnv(t)
	env.accounts.holdCode()

	first := env.start(t)
	resp := postJSON(t, first.server.URL+"/v1/registrations", map[string]string{
		"email": testEmail, "password": "S3cure!Passw0rd",
	})
	expectStatus(t, resp, http.StatusCreated)
	waitForState(t, first.server.URL, workflow.StateDetectingPage)
	postJSON(t, first.server.URL+"/v1/events", map[string]interface{}{
		"type": "pageReady", "payload": map[string]string{"step": "step2"},
	}).Body.Close()
	postJSON(t, first.server.URL+"/v1/events", map[string]interface{}{"type": "registrationSubmitted"}).Body.Close()
	waitForState(t, first.server.URL, workflow.StateWaitingVerification)
	first.close()

	env.accounts.releaseCode()

	second := env.start(t)
	defer second.close()
	waitForState(t, second.server.URL, workflow.StateCompleted)
}

// testEnv holds the external collaborators shared by every stack started in
// one test.
type testEnv struct {
	pool     *pgxpool.Pool
	accounts *fakeAccounts
	agent    *fakeAgent
	acctSrv  *httptest.Server
	agentSrv *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := testDatabaseURL(t)

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("db pool: %v", err)
	}
	if err := postgres.RunMigrations(ctx, pool, migrations.Files); err != nil {
		pool.Close()
		t.Fatalf("migrations: %v", err)
	}
	if err := resetDatabase(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("reset db: %v", err)
	}

	env := &testEnv{pool: pool, accounts: newFakeAccounts(), agent: &fakeAgent{}}
	env.acctSrv = httptest.NewServer(env.accounts)
	env.agentSrv = httptest.NewServer(env.agent)
	t.Cleanup(func() {
		env.acctSrv.Close()
		env.agentSrv.Close()
		pool.Close()
	})
	return env
}

type stack struct {
	server *httptest.Server
	close  func()
}

// start wires a full controller against the shared database, the way
// cmd/server does.
func (e *testEnv) start(t *testing.T) *stack {
	t.Helper()
	logger := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())

	store := postgres.NewKVStore(e.pool, logger)
	go func() { _ = store.Listen(ctx) }()
	records := postgres.NewRecordRepository(e.pool)

	acctClient := accounts.NewClient(accounts.Config{BaseURL: e.acctSrv.URL, Timeout: time.Second}, logger)
	agent := pageagent.NewClient(e.agentSrv.URL, time.Second, logger)

	syncOpts := statesync.DefaultOptions()
	syncOpts.ContextName = "controller"
	syncOpts.SettleDelay = time.Millisecond
	syncSvc := statesync.NewService(store, syncOpts, logger)

	v := validator.NewValidator(acctClient, syncSvc, validator.Options{}, logger)
	p := poller.New(acctClient, poller.Options{
		Interval:       50 * time.Millisecond,
		Jitter:         time.Millisecond,
		Deadline:       10 * time.Second,
		Cooldown:       10 * time.Millisecond,
		RequestTimeout: time.Second,
	}, logger)

	machine := workflow.NewMachine(3, logger)
	orch, err := orchestrator.NewOrchestrator(machine, syncSvc, v, p, acctClient, records, agent, orchestrator.Options{}, logger)
	if err != nil {
		cancel()
		t.Fatalf("orchestrator: %v", err)
	}

	hub := sse.NewHub(logger)
	api := httpapi.NewServer(orch, records, acctClient, hub, "", logger)
	orch.Subscribe(api.PublishChange)
	syncSvc.OnChange(api.PublishSync)

	if _, err := orch.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	server := httptest.NewServer(api.Router())

	return &stack{
		server: server,
		close: func() {
			hub.Stop()
			server.Close()
			orch.Close()
			syncSvc.Close()
			cancel()
		},
	}
}

// fakeAccounts is an in-memory account service. The verification code is
// delivered once start-monitor has been called, unless held.
type fakeAccounts struct {
	mu        sync.Mutex
	accounts  map[string]map[string]interface{}
	monitored map[string]string
	held      bool
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		accounts:  make(map[string]map[string]interface{}),
		monitored: make(map[string]string),
	}
}

func (f *fakeAccounts) holdCode()    { f.mu.Lock(); f.held = true; f.mu.Unlock() }
func (f *fakeAccounts) releaseCode() { f.mu.Lock(); f.held = false; f.mu.Unlock() }

func (f *fakeAccounts) status(email string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[email]; ok {
		s, _ := a["status"].(string)
		return s
	}
	return ""
}

func (f *fakeAccounts) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/api/accounts" && r.Method == http.MethodPost:
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		email, _ := body["email"].(string)
		f.accounts[email] = body
		w.WriteHeader(http.StatusCreated)
	case r.URL.Path == "/api/accounts" && r.Method == http.MethodPatch:
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		email, _ := body["email"].(string)
		if a, ok := f.accounts[email]; ok {
			for k, v := range body {
				a[k] = v
			}
		}
	case r.URL.Path == "/api/accounts":
		email := r.URL.Query().Get("email")
		data := make([]map[string]interface{}, 0)
		for e, a := range f.accounts {
			if email == "" || e == email {
				data = append(data, a)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "data": data})
	case r.URL.Path == "/api/start-monitor":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.monitored[body["session_id"]] = body["email"]
	case strings.HasPrefix(r.URL.Path, "/api/check-code/"):
		sid := strings.TrimPrefix(r.URL.Path, "/api/check-code/")
		if _, ok := f.monitored[sid]; !ok || f.held {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "message": "no code yet"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true, "code": testCode, "received_at": time.Now().UTC(),
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type fakeAgent struct {
	mu   sync.Mutex
	code string
}

func (a *fakeAgent) filledCode() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.code
}

func (a *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/fill-code" {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		a.mu.Lock()
		a.code = body["code"]
		a.mu.Unlock()
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
}

type eventStream struct {
	resp   *http.Response
	cancel context.CancelFunc
	mu     sync.Mutex
	states []workflow.State
}

func openStream(t *testing.T, baseURL string) *eventStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/stream?events=state", nil)
	if err != nil {
		cancel()
		t.Fatalf("stream request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("stream: %v", err)
	}
	s := &eventStream{resp: resp, cancel: cancel}
	go s.read()
	return s
}

func (s *eventStream) read() {
	scanner := bufio.NewScanner(s.resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			To workflow.State `json:"to"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil || ev.To == "" {
			continue
		}
		s.mu.Lock()
		s.states = append(s.states, ev.To)
		s.mu.Unlock()
	}
}

func (s *eventStream) sawState(want workflow.State, within time.Duration) bool {
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, st := range s.states {
			if st == want {
				s.mu.Unlock()
				return true
			}
		}
		s.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func (s *eventStream) close() {
	s.cancel()
	_ = s.resp.Body.Close()
}

func waitForState(t *testing.T, baseURL string, want workflow.State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var last workflow.State
	for time.Now().Before(deadline) {
		var view orchestrator.StateView
		getJSON(t, baseURL+"/v1/state", &view)
		last = view.Snapshot.CurrentState
		if last == want {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", last, want)
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func getJSON(t *testing.T, url string, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var body bytes.Buffer
		_, _ = body.ReadFrom(resp.Body)
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, want, body.String())
	}
}

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	return ""
}

func resetDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE TABLE kv_entries, registration_records`)
	return err
}
