package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, handler http.HandlerFunc, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--url", srv.URL, "--secret", "s3cret"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRetrySettlement_SendsSecret(t *testing.T) {
	var gotPath, gotSecret string
	out, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotSecret = r.URL.Path, r.Header.Get("X-Admin-Secret")
		_, _ = w.Write([]byte(`{"escrow":{"id":"esc_1","status":"released","settlementTxHash":"tx9"}}`))
	}, "retry-settlement", "esc_1")

	require.NoError(t, err)
	assert.Equal(t, "/v1/admin/escrows/esc_1/retry-settlement", gotPath)
	assert.Equal(t, "s3cret", gotSecret)
	assert.Contains(t, out, "settlement tx tx9")
}

func TestRetryFee_PaymentPrefixRoutesToPayments(t *testing.T) {
	var gotPath string
	_, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"payment":{"id":"pay_1","feeTxHash":"fee1"}}`))
	}, "retry-fee", "pay_1")

	require.NoError(t, err)
	assert.Equal(t, "/v1/admin/payments/pay_1/retry-fee", gotPath)
}

func TestAPIErrorSurfaces(t *testing.T) {
	_, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"state_conflict","message":"escrow has no failed settlement"}`))
	}, "retry-settlement", "esc_1")

	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "state_conflict", apiErr.Code)
}

func TestReconcile_MismatchesFailCommand(t *testing.T) {
	out, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"healthy":false,"report":{"checked":3,"mismatches":[
			{"escrowId":"esc_1","chain":"btc","kind":"balance_short","detail":"1000 of 25000000"}]}}`))
	}, "reconcile")

	assert.EqualError(t, err, "1 mismatches")
	assert.Contains(t, out, "balance_short")
	assert.Contains(t, out, "checked 3 escrows")
}

func TestReconcile_LastUsesGet(t *testing.T) {
	var method string
	out, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		_, _ = w.Write([]byte(`{"healthy":true,"report":{"checked":7,"mismatches":[]}}`))
	}, "reconcile", "--last")

	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, method)
	assert.Contains(t, out, "no mismatches")
}

func TestEvents_FeedWithoutID(t *testing.T) {
	var gotPath, gotQuery string
	out, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		_, _ = w.Write([]byte(`{"events":[{"id":43,"escrowId":"esc_1","eventType":"funded","actor":"system"}],"next":43}`))
	}, "events", "--after", "42", "-n", "10")

	require.NoError(t, err)
	assert.Equal(t, "/v1/admin/events", gotPath)
	assert.Equal(t, "after=42&limit=10", gotQuery)
	assert.Contains(t, out, "funded")
	assert.Contains(t, out, "next: --after 43")
}

func TestEvents_SingleEscrow(t *testing.T) {
	var gotPath string
	_, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"events":[]}`))
	}, "events", "esc_1")

	require.NoError(t, err)
	assert.Equal(t, "/v1/admin/escrows/esc_1/events", gotPath)
}

func TestExpire_RejectsUnknownTarget(t *testing.T) {
	_, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}, "expire", "streams")
	assert.Error(t, err)
}

func TestFailedForwards_Query(t *testing.T) {
	var gotQuery string
	out, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"payments":[{"id":"pay_1","depositedAmount":"0.5","merchantAddress":"m1","lastError":"rejected"}]}`))
	}, "failed-forwards", "sol", "-n", "5")

	require.NoError(t, err)
	assert.Equal(t, "chain=sol&limit=5", gotQuery)
	assert.Contains(t, out, "pay_1")
}
