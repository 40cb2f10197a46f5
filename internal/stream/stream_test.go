package stream

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/hslatman/go-crowdsec-remediation/internal/decision"
	"github.com/hslatman/go-crowdsec-remediation/internal/lapi"
	"github.com/hslatman/go-crowdsec-remediation/internal/store/filestore"
	"github.com/hslatman/go-crowdsec-remediation/internal/verdict"
)

func newTestSynchroniser(t *testing.T) (*Synchroniser, *decision.Index) {
	t.Helper()
	s, err := filestore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	idx := decision.New(s, "decisions")

	httpClient := &http.Client{}
	httpmock.ActivateNonDefault(httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	client, err := lapi.New("http://lapi.example/", lapi.WithExecutor(lapi.NewHTTPExecutor(httpClient)))
	require.NoError(t, err)

	return New(client, idx), idx
}

func TestWarmUpAppliesFullSet(t *testing.T) {
	syncer, idx := newTestSynchroniser(t)
	httpmock.RegisterResponder("GET", "http://lapi.example/v1/decisions/stream",
		httpmock.NewStringResponder(200, `{"new":[{"id":1,"scope":"Ip","value":"1.2.3.4","type":"ban","duration":"1h"}],"deleted":[]}`))

	require.Equal(t, Cold, syncer.State())
	require.NoError(t, syncer.WarmUp(context.Background()))
	require.Equal(t, Warm, syncer.State())

	tuples, err := idx.Get(context.Background(), decision.ScopeIP, "1.2.3.4")
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	require.Equal(t, verdict.Ban, tuples[0].Kind)
}

func TestRefreshAppliesDiff(t *testing.T) {
	syncer, idx := newTestSynchroniser(t)
	httpmock.RegisterResponder("GET", "http://lapi.example/v1/decisions/stream",
		httpmock.NewStringResponder(200, `{"new":[{"id":2,"scope":"Ip","value":"5.5.5.5","type":"captcha","duration":"1h"}],"deleted":[]}`))

	deleted, added, err := syncer.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, deleted)
	require.Equal(t, 1, added)

	tuples, err := idx.Get(context.Background(), decision.ScopeIP, "5.5.5.5")
	require.NoError(t, err)
	require.Len(t, tuples, 1)
}

func TestRefreshAppliesCountryScopeAdd(t *testing.T) {
	syncer, idx := newTestSynchroniser(t)
	httpmock.RegisterResponder("GET", "http://lapi.example/v1/decisions/stream",
		httpmock.NewStringResponder(200, `{"new":[{"id":2,"scope":"Country","value":"JP","type":"captcha","duration":"24h0m0s"}],"deleted":[]}`))

	deleted, added, err := syncer.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, deleted)
	require.Equal(t, 1, added)

	tuples, err := idx.Get(context.Background(), decision.ScopeCountry, "JP")
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	require.Equal(t, verdict.Captcha, tuples[0].Kind)
}

func TestRefreshBusy(t *testing.T) {
	syncer, _ := newTestSynchroniser(t)
	syncer.mu.Lock()
	syncer.state = Updating
	syncer.mu.Unlock()

	_, _, err := syncer.Refresh(context.Background())
	require.ErrorIs(t, err, ErrBusy)
}

func TestConcurrentWarmUpJoinsSingleCall(t *testing.T) {
	syncer, _ := newTestSynchroniser(t)
	httpmock.RegisterResponder("GET", "http://lapi.example/v1/decisions/stream",
		httpmock.NewStringResponder(200, `{"new":[],"deleted":[]}`))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = syncer.WarmUp(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, Warm, syncer.State())
}
