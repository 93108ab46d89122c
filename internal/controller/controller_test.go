package controller

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/quran-companion/shell-cache/internal/cache"
	"github.com/quran-companion/shell-cache/internal/fetch"
)

type stubResponse struct {
	status int
	typ    fetch.ResponseType
	body   string
	err    error
}

// stubNetwork 按 URL 返回预设响应并统计调用次数。
type stubNetwork struct {
	mu        sync.Mutex
	responses map[string]stubResponse
	calls     map[string]int
	total     atomic.Int64
}

func newStubNetwork(responses map[string]stubResponse) *stubNetwork {
	return &stubNetwork{responses: responses, calls: map[string]int{}}
}

func (n *stubNetwork) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	n.total.Add(1)
	key := req.URL.String()
	n.mu.Lock()
	n.calls[key]++
	stub, ok := n.responses[key]
	n.mu.Unlock()
	if !ok {
		return fetch.NewBufferedResponse(http.StatusNotFound, nil, fetch.TypeBasic, key, []byte("missing")), nil
	}
	if stub.err != nil {
		return nil, stub.err
	}
	typ := stub.typ
	if typ == "" {
		typ = fetch.TypeBasic
	}
	resp := fetch.NewBufferedResponse(stub.status, http.Header{"Content-Type": []string{"text/plain"}}, typ, key, []byte(stub.body))
	resp.Source = fetch.SourceNetwork
	return resp, nil
}

func (n *stubNetwork) Calls(rawURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[rawURL]
}

type recordingClaimer struct {
	claimed []string
	err     error
}

func (r *recordingClaimer) Claim(ctx context.Context, c *Controller) error {
	if c.State() != StateActivating {
		return errors.New("claim outside activation")
	}
	r.claimed = append(r.claimed, c.ID())
	return r.err
}

// failingDeleteStore 让指定分区删除失败，用于验证 activate 的重试语义。
type failingDeleteStore struct {
	cache.Store
	mu   sync.Mutex
	fail map[string]bool
}

func (s *failingDeleteStore) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	fail := s.fail[name]
	s.mu.Unlock()
	if fail {
		return false, errors.New("storage unavailable")
	}
	return s.Store.Delete(ctx, name)
}

func (s *failingDeleteStore) heal(name string) {
	s.mu.Lock()
	delete(s.fail, name)
	s.mu.Unlock()
}

// failingPutStore 让 fetch 阶段的 Put 失败。
type failingPutStore struct {
	cache.Store
}

type failingPutPartition struct {
	cache.Partition
}

func (s failingPutStore) Open(ctx context.Context, name string) (cache.Partition, error) {
	part, err := s.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return failingPutPartition{Partition: part}, nil
}

func (p failingPutPartition) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	return errors.New("quota exceeded")
}

const origin = "https://app.example.com"

func testScope(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(origin + "/")
	if err != nil {
		t.Fatalf("parse scope: %v", err)
	}
	return u
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func shellNetwork() *stubNetwork {
	return newStubNetwork(map[string]stubResponse{
		origin + "/":           {status: 200, body: "root"},
		origin + "/index.html": {status: 200, body: "index"},
	})
}

func newController(t *testing.T, store cache.Store, network fetch.Fetcher, gen Generation, claimer Claimer) *Controller {
	t.Helper()
	ctrl, err := New(Options{
		Generation:         gen,
		Scope:              testScope(t),
		Store:              store,
		Network:            network,
		Claimer:            claimer,
		Logger:             quietLogger(),
		SkipWaiting:        true,
		MaxEntrySize:       1 << 20,
		InstallConcurrency: 4,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return ctrl
}

func activeController(t *testing.T, store cache.Store, network fetch.Fetcher) *Controller {
	t.Helper()
	ctrl := newController(t, store, network, Generation{ID: "v1", Manifest: []string{"/", "/index.html"}}, nil)
	if err := ctrl.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := ctrl.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return ctrl
}

func getRequest(t *testing.T, rawURL string, dest fetch.Destination) *fetch.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	req := fetch.NewRequest(http.MethodGet, u)
	req.Mode = fetch.ModeNoCORS
	req.Destination = dest
	if dest == fetch.DestinationDocument {
		req.Mode = fetch.ModeNavigate
	}
	return req
}

func readBody(t *testing.T, resp *fetch.Response) string {
	t.Helper()
	if resp == nil {
		t.Fatalf("response is nil")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	_ = resp.Close()
	return string(data)
}

func TestNewValidatesOptions(t *testing.T) {
	store := cache.NewMemoryStore()
	network := shellNetwork()
	gen := Generation{ID: "v1", Manifest: []string{"/"}}

	cases := map[string]Options{
		"bad id":         {Generation: Generation{ID: "../v1", Manifest: []string{"/"}}, Scope: testScope(t), Store: store, Network: network},
		"empty manifest": {Generation: Generation{ID: "v1"}, Scope: testScope(t), Store: store, Network: network},
		"relative scope": {Generation: gen, Scope: &url.URL{Path: "/"}, Store: store, Network: network},
		"no store":       {Generation: gen, Scope: testScope(t), Network: network},
		"no network":     {Generation: gen, Scope: testScope(t), Store: store},
	}
	for name, opts := range cases {
		if _, err := New(opts); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestGenerationRequestsResolveAgainstScope(t *testing.T) {
	gen := Generation{ID: "v1", Manifest: []string{"/", "/index.html", "/index.html", "https://cdn.example.net/app.js"}}
	reqs, err := gen.Requests(testScope(t))
	if err != nil {
		t.Fatalf("requests: %v", err)
	}
	if len(reqs) != 3 {
		t.Fatalf("duplicates should collapse, got %d requests", len(reqs))
	}
	want := []string{origin + "/", origin + "/index.html", "https://cdn.example.net/app.js"}
	for i, req := range reqs {
		if req.URL.String() != want[i] {
			t.Fatalf("request %d: got %s want %s", i, req.URL, want[i])
		}
		if req.Method != http.MethodGet {
			t.Fatalf("manifest requests must be GET")
		}
	}
}

func TestGenerationSameManifest(t *testing.T) {
	scope, _ := url.Parse("https://app.example.com/")
	base := Generation{ID: "v1", Manifest: []string{"/", "/index.html"}}

	cases := []struct {
		name     string
		manifest []string
		same     bool
	}{
		{"identical", []string{"/", "/index.html"}, true},
		{"reordered with duplicate", []string{"/index.html", "/", "/index.html"}, true},
		{"absolute form of the same url", []string{"https://app.example.com/", "/index.html"}, true},
		{"added asset", []string{"/", "/index.html", "/new.js"}, false},
		{"removed asset", []string{"/"}, false},
	}
	for _, tc := range cases {
		other := Generation{ID: "v1", Manifest: tc.manifest}
		if got := base.SameManifest(other, scope); got != tc.same {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.same, got)
		}
	}
}

func TestGenerationValidate(t *testing.T) {
	bad := []Generation{
		{ID: "", Manifest: []string{"/"}},
		{ID: "v 1", Manifest: []string{"/"}},
		{ID: "v1", Manifest: []string{" "}},
		{ID: "v1", Manifest: []string{"index.html"}},
		{ID: "v1", Manifest: []string{"ftp://example.com/a"}},
	}
	for _, gen := range bad {
		if err := gen.Validate(); err == nil {
			t.Fatalf("expected %+v to be invalid", gen)
		}
	}
	if err := (Generation{ID: "app-cache-v1", Manifest: []string{"/", "https://cdn.example.net/a.css"}}).Validate(); err != nil {
		t.Fatalf("valid generation rejected: %v", err)
	}
}

// 全新部署后分区只包含 v1 且收录 manifest 全部资源。
func TestFreshDeployInstallsManifest(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	claimer := &recordingClaimer{}
	ctrl := newController(t, store, shellNetwork(), Generation{ID: "v1", Manifest: []string{"/", "/index.html"}}, claimer)

	if err := ctrl.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if ctrl.State() != StateInstalled {
		t.Fatalf("expected installed, got %s", ctrl.State())
	}
	if !ctrl.SkipWaitingRequested() {
		t.Fatalf("install should signal skip waiting")
	}
	if err := ctrl.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if ctrl.State() != StateActive {
		t.Fatalf("expected active, got %s", ctrl.State())
	}
	if len(claimer.claimed) != 1 || claimer.claimed[0] != "v1" {
		t.Fatalf("claim not invoked during activation: %v", claimer.claimed)
	}

	names, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(names) != 1 || names[0] != "v1" {
		t.Fatalf("unexpected partitions: %v", names)
	}
	part, _ := store.Open(ctx, "v1")
	keys, err := part.Keys(ctx)
	if err != nil {
		t.Fatalf("entry keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 entries, got %v", keys)
	}
}

func TestSkipWaitingDisabled(t *testing.T) {
	ctrl, err := New(Options{
		Generation: Generation{ID: "v1", Manifest: []string{"/"}},
		Scope:      testScope(t),
		Store:      cache.NewMemoryStore(),
		Network:    shellNetwork(),
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := ctrl.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if ctrl.SkipWaitingRequested() {
		t.Fatalf("skip waiting should stay off")
	}
}

// 命中缓存时不访问网络，内容与缓存一致。
func TestCacheHitSkipsNetwork(t *testing.T) {
	network := shellNetwork()
	ctrl := activeController(t, cache.NewMemoryStore(), network)
	before := network.total.Load()

	for i := 0; i < 3; i++ {
		resp, err := ctrl.Respond(context.Background(), getRequest(t, origin+"/index.html", fetch.DestinationDocument))
		if err != nil {
			t.Fatalf("respond: %v", err)
		}
		if resp.Source != fetch.SourceCache {
			t.Fatalf("expected cached response, got %s", resp.Source)
		}
		if body := readBody(t, resp); body != "index" {
			t.Fatalf("unexpected body %q", body)
		}
	}
	if network.total.Load() != before {
		t.Fatalf("cache hit must not touch the network")
	}
}

// 未命中的同源 200 响应返回给调用方并写入缓存。
func TestMissPopulatesCache(t *testing.T) {
	network := shellNetwork()
	icon := origin + "/icons/icon-192x192.png"
	network.responses[icon] = stubResponse{status: 200, body: "png-bytes"}
	ctrl := activeController(t, cache.NewMemoryStore(), network)

	resp, err := ctrl.Respond(context.Background(), getRequest(t, icon, fetch.DestinationImage))
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if resp.Source != fetch.SourceNetwork {
		t.Fatalf("first response should come from network")
	}
	if body := readBody(t, resp); body != "png-bytes" {
		t.Fatalf("caller got %q", body)
	}

	resp, err = ctrl.Respond(context.Background(), getRequest(t, icon, fetch.DestinationImage))
	if err != nil {
		t.Fatalf("respond again: %v", err)
	}
	if resp.Source != fetch.SourceCache {
		t.Fatalf("repeat request should hit cache")
	}
	if body := readBody(t, resp); body != "png-bytes" {
		t.Fatalf("cached body %q", body)
	}
	if network.Calls(icon) != 1 {
		t.Fatalf("expected 1 network call, got %d", network.Calls(icon))
	}
}

// 非 200 或 opaque 响应原样返回但从不缓存。
func TestNonCacheableResponsesNeverStored(t *testing.T) {
	network := shellNetwork()
	cdn := "https://cdn.example.net/vendor.js"
	broken := origin + "/broken.png"
	redirect := origin + "/moved.css"
	network.responses[cdn] = stubResponse{status: 200, typ: fetch.TypeOpaque, body: "vendor"}
	network.responses[broken] = stubResponse{status: 500, body: "boom"}
	network.responses[redirect] = stubResponse{status: 301, body: ""}
	store := cache.NewMemoryStore()
	ctrl := activeController(t, store, network)

	cases := []struct {
		url    string
		dest   fetch.Destination
		status int
	}{
		{cdn, fetch.DestinationScript, 200},
		{broken, fetch.DestinationImage, 500},
		{redirect, fetch.DestinationStyle, 301},
	}
	for _, tc := range cases {
		for i := 0; i < 2; i++ {
			resp, err := ctrl.Respond(context.Background(), getRequest(t, tc.url, tc.dest))
			if err != nil {
				t.Fatalf("respond %s: %v", tc.url, err)
			}
			if resp.Status != tc.status {
				t.Fatalf("%s: status %d", tc.url, resp.Status)
			}
			_ = resp.Close()
		}
		if network.Calls(tc.url) != 2 {
			t.Fatalf("%s should reach the network every time, got %d", tc.url, network.Calls(tc.url))
		}
	}

	part, _ := store.Open(context.Background(), "v1")
	keys, _ := part.Keys(context.Background())
	if len(keys) != 2 {
		t.Fatalf("only manifest entries expected, got %v", keys)
	}
}

// 离线未命中时错误向上传递，不写入任何条目。
func TestNetworkFailurePropagates(t *testing.T) {
	network := shellNetwork()
	offline := origin + "/offline.js"
	netErr := errors.New("dial tcp: no route to host")
	network.responses[offline] = stubResponse{err: netErr}
	store := cache.NewMemoryStore()
	ctrl := activeController(t, store, network)

	resp, err := ctrl.Respond(context.Background(), getRequest(t, offline, fetch.DestinationScript))
	if !errors.Is(err, netErr) {
		t.Fatalf("expected wrapped network error, got %v", err)
	}
	if resp != nil {
		t.Fatalf("no fallback response expected")
	}
	part, _ := store.Open(context.Background(), "v1")
	if _, err := part.Match(context.Background(), getRequest(t, offline, fetch.DestinationScript)); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("nothing should be written, got %v", err)
	}
}

func TestCacheWriteFailureIsIgnored(t *testing.T) {
	network := shellNetwork()
	page := origin + "/about.html"
	network.responses[page] = stubResponse{status: 200, body: "about"}
	store := failingPutStore{Store: cache.NewMemoryStore()}
	ctrl := activeController(t, store, network)

	resp, err := ctrl.Respond(context.Background(), getRequest(t, page, fetch.DestinationDocument))
	if err != nil {
		t.Fatalf("write failure must not surface: %v", err)
	}
	if body := readBody(t, resp); body != "about" {
		t.Fatalf("caller got %q", body)
	}
}

func TestOversizedResponseStreamsWithoutCaching(t *testing.T) {
	network := shellNetwork()
	big := origin + "/big.png"
	network.responses[big] = stubResponse{status: 200, body: "0123456789abcdef"}
	store := cache.NewMemoryStore()
	ctrl, err := New(Options{
		Generation:   Generation{ID: "v1", Manifest: []string{"/"}},
		Scope:        testScope(t),
		Store:        store,
		Network:      network,
		Logger:       quietLogger(),
		MaxEntrySize: 8,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := ctrl.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := ctrl.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	resp, err := ctrl.Respond(context.Background(), getRequest(t, big, fetch.DestinationImage))
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if body := readBody(t, resp); body != "0123456789abcdef" {
		t.Fatalf("caller should receive the full body, got %q", body)
	}
	part, _ := store.Open(context.Background(), "v1")
	if _, err := part.Match(context.Background(), getRequest(t, big, fetch.DestinationImage)); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("oversized body must not be cached")
	}
}

// 升级后只剩当前 generation。
func TestUpgradeRemovesStaleGenerations(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	network := shellNetwork()
	network.responses[origin+"/app.v2.js"] = stubResponse{status: 200, body: "v2"}

	activeController(t, store, network)
	for _, name := range []string{"legacy-a", "legacy-b"} {
		if _, err := store.Open(ctx, name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}

	v2 := newController(t, store, network, Generation{ID: "v2", Manifest: []string{"/", "/app.v2.js"}}, nil)
	if err := v2.Install(ctx); err != nil {
		t.Fatalf("install v2: %v", err)
	}
	names, _ := store.Keys(ctx)
	if len(names) != 4 {
		t.Fatalf("generations coexist until activation, got %v", names)
	}
	if err := v2.Activate(ctx); err != nil {
		t.Fatalf("activate v2: %v", err)
	}

	names, _ = store.Keys(ctx)
	if len(names) != 1 || names[0] != "v2" {
		t.Fatalf("expected only v2, got %v", names)
	}
	if has, _ := store.Has(ctx, "v1"); has {
		t.Fatalf("v1 partition should be gone")
	}
}

// 非 GET 或不在白名单内的 destination 不拦截。
func TestInterceptsEligibility(t *testing.T) {
	ctrl := newController(t, cache.NewMemoryStore(), shellNetwork(), Generation{ID: "v1", Manifest: []string{"/"}}, nil)
	u, _ := url.Parse(origin + "/api/progress")

	post := fetch.NewRequest(http.MethodPost, u)
	post.Mode = fetch.ModeNavigate
	if ctrl.Intercepts(post) {
		t.Fatalf("POST must not be intercepted")
	}

	api := fetch.NewRequest(http.MethodGet, u)
	api.Mode, api.Destination = fetch.ModeCORS, fetch.DestinationEmpty
	if ctrl.Intercepts(api) {
		t.Fatalf("api calls must not be intercepted")
	}

	font := fetch.NewRequest(http.MethodGet, u)
	font.Mode, font.Destination = fetch.ModeCORS, fetch.DestinationFont
	if ctrl.Intercepts(font) {
		t.Fatalf("fonts are outside the allowed destinations")
	}

	for _, dest := range []fetch.Destination{fetch.DestinationImage, fetch.DestinationScript, fetch.DestinationStyle, fetch.DestinationDocument} {
		if !ctrl.Intercepts(getRequest(t, origin+"/x", dest)) {
			t.Fatalf("%s should be intercepted", dest)
		}
	}
	if ctrl.Intercepts(nil) {
		t.Fatalf("nil request")
	}
}

// 任一 manifest 资源失败时分区中不留任何条目，控制器变为 redundant。
func TestInstallIsAtomic(t *testing.T) {
	ctx := context.Background()
	cases := map[string]stubResponse{
		"transport": {err: errors.New("connection reset")},
		"not found": {status: 404, body: "nope"},
	}
	for name, failing := range cases {
		t.Run(name, func(t *testing.T) {
			store := cache.NewMemoryStore()
			network := shellNetwork()
			network.responses[origin+"/missing.css"] = failing
			ctrl := newController(t, store, network, Generation{ID: "v1", Manifest: []string{"/", "/index.html", "/missing.css"}}, nil)

			if err := ctrl.Install(ctx); err == nil {
				t.Fatalf("install should fail")
			}
			if ctrl.State() != StateRedundant {
				t.Fatalf("expected redundant, got %s", ctrl.State())
			}
			if ctrl.SkipWaitingRequested() {
				t.Fatalf("failed install must not signal skip waiting")
			}
			if has, _ := store.Has(ctx, "v1"); has {
				t.Fatalf("partition created by a failed install should be removed")
			}
			if err := ctrl.Activate(ctx); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("redundant controller cannot activate: %v", err)
			}
		})
	}
}

func TestFailedInstallKeepsExistingPartitionUntouched(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	network := shellNetwork()
	activeController(t, store, network)

	network.responses[origin+"/index.html"] = stubResponse{status: 503}
	retry := newController(t, store, network, Generation{ID: "v1", Manifest: []string{"/", "/index.html"}}, nil)
	if err := retry.Install(ctx); err == nil {
		t.Fatalf("install should fail")
	}
	part, err := store.Open(ctx, "v1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	keys, _ := part.Keys(ctx)
	if len(keys) != 2 {
		t.Fatalf("previous entries should survive, got %v", keys)
	}
}

func TestActivateRetriesAfterDeleteFailure(t *testing.T) {
	ctx := context.Background()
	store := &failingDeleteStore{Store: cache.NewMemoryStore(), fail: map[string]bool{"v0": true}}
	if _, err := store.Open(ctx, "v0"); err != nil {
		t.Fatalf("open v0: %v", err)
	}
	claimer := &recordingClaimer{}
	ctrl := newController(t, store, shellNetwork(), Generation{ID: "v1", Manifest: []string{"/"}}, claimer)
	if err := ctrl.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}

	if err := ctrl.Activate(ctx); err == nil {
		t.Fatalf("activate should report the failed deletion")
	}
	if ctrl.State() != StateActivating {
		t.Fatalf("expected activating, got %s", ctrl.State())
	}
	if len(claimer.claimed) != 0 {
		t.Fatalf("claim must wait for a clean sweep")
	}

	store.heal("v0")
	if err := ctrl.Activate(ctx); err != nil {
		t.Fatalf("retry activate: %v", err)
	}
	if ctrl.State() != StateActive || len(claimer.claimed) != 1 {
		t.Fatalf("retry should activate and claim, state=%s claims=%v", ctrl.State(), claimer.claimed)
	}
}

func TestClaimFailureKeepsActivating(t *testing.T) {
	ctx := context.Background()
	claimer := &recordingClaimer{err: errors.New("host busy")}
	ctrl := newController(t, cache.NewMemoryStore(), shellNetwork(), Generation{ID: "v1", Manifest: []string{"/"}}, claimer)
	if err := ctrl.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := ctrl.Activate(ctx); err == nil {
		t.Fatalf("claim failure should surface")
	}
	if ctrl.State() != StateActivating {
		t.Fatalf("expected activating, got %s", ctrl.State())
	}
}

func TestLifecycleTransitionsAreGuarded(t *testing.T) {
	ctx := context.Background()
	ctrl := newController(t, cache.NewMemoryStore(), shellNetwork(), Generation{ID: "v1", Manifest: []string{"/"}}, nil)

	if err := ctrl.Activate(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("activate before install: %v", err)
	}
	if _, err := ctrl.Respond(ctx, getRequest(t, origin+"/", fetch.DestinationDocument)); !errors.Is(err, ErrNotActive) {
		t.Fatalf("respond before activation: %v", err)
	}
	if err := ctrl.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := ctrl.Install(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second install: %v", err)
	}
	if err := ctrl.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	ctrl.MarkRedundant()
	if _, err := ctrl.Respond(ctx, getRequest(t, origin+"/", fetch.DestinationDocument)); !errors.Is(err, ErrNotActive) {
		t.Fatalf("redundant controller must not respond: %v", err)
	}
}

func TestConcurrentRespond(t *testing.T) {
	network := shellNetwork()
	for _, p := range []string{"/a.png", "/b.png", "/c.png"} {
		network.responses[origin+p] = stubResponse{status: 200, body: p}
	}
	ctrl := activeController(t, cache.NewMemoryStore(), network)

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := 0; i < 30; i++ {
		p := []string{"/a.png", "/b.png", "/c.png"}[i%3]
		req := getRequest(t, origin+p, fetch.DestinationImage)
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := ctrl.Respond(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			data, _ := io.ReadAll(resp.Body)
			_ = resp.Close()
			if string(data) != p {
				errs <- errors.New("unexpected body " + string(data))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent respond: %v", err)
	}
}
