package resilience

import (
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{
			name: "transient wrapper",
			err:  NewTransientError(eris.New("backend down"), 503),
			want: ClassTransient,
		},
		{
			name: "policy wrapper",
			err:  NewPolicyError(ReasonQuota, "limit reached"),
			want: ClassPolicy,
		},
		{
			name: "permanent wrapper",
			err:  NewPermanentError(eris.New("target deleted")),
			want: ClassPermanent,
		},
		{
			name: "integrity wrapper",
			err:  NewIntegrityError(eris.New("divergent payload")),
			want: ClassIntegrity,
		},
		{
			name: "plain error defaults to transient",
			err:  eris.New("something unexpected"),
			want: ClassTransient,
		},
		{
			name: "wrapped policy survives eris",
			err:  eris.Wrap(NewPolicyError(ReasonUnsupported, ""), "worker: execute"),
			want: ClassPolicy,
		},
		{
			name: "wrapped permanent survives eris",
			err:  eris.Wrap(NewPermanentError(eris.New("bad payload")), "worker: decode"),
			want: ClassPermanent,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestAsPolicy(t *testing.T) {
	t.Parallel()

	pe, ok := AsPolicy(eris.Wrap(NewPolicyError(ReasonQuota, "classification exhausted"), "ledger: check"))
	require.True(t, ok)
	assert.Equal(t, ReasonQuota, pe.Reason)

	_, ok = AsPolicy(eris.New("not a policy"))
	assert.False(t, ok)
}

func TestPolicyErrorMessage(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "skipped: quota", NewPolicyError(ReasonQuota, "").Error())
	assert.Equal(t, "skipped: unsupported (no action available on twitch)",
		NewPolicyError(ReasonUnsupported, "no action available on twitch").Error())
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient wrapper", NewTransientError(eris.New("429"), 429), true},
		{"wrapped transient", eris.Wrap(NewTransientError(eris.New("503"), 503), "client: post"), true},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"connection reset", syscall.ECONNRESET, true},
		{"message heuristic", eris.New("read tcp: i/o timeout"), true},
		{"no such host", eris.New("dial tcp: lookup api.example.com: no such host"), true},
		{"plain error", eris.New("invalid argument"), false},
		{"permanent wrapper", NewPermanentError(eris.New("gone")), false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	t.Parallel()

	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 201, 301, 400, 401, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}

func TestClassString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "policy", ClassPolicy.String())
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, "integrity", ClassIntegrity.String())
}
