package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/instant-demo/vbrowser-pool/internal/config"
	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/instant-demo/vbrowser-pool/pkg/logging"
)

func testDockerConfig() *config.DockerConfig {
	return &config.DockerConfig{
		Image:       "howardc93/vbrowser",
		GatewayHost: "vm.example.com",
		CertDir:     "/etc/letsencrypt",
		Screen:      "1280x720@30",
		ShmSize:     "1g",
		LogMaxSize:  "1g",
	}
}

func newTestSSHAdapter(r CommandRunner, key domain.PoolKey) *SSHDockerAdapter {
	return NewSSHDockerAdapter(r, testDockerConfig(), key, logging.Nop())
}

func noSuch(stderr string) error {
	return &CommandError{Stderr: stderr, Err: errors.New("exit status 1")}
}

func TestSSHDockerAdapter_StartInstance(t *testing.T) {
	r := &MockRunner{}
	a := newTestSSHAdapter(r, domain.PoolKey{Provider: "sshdocker"})

	r.On("Run", mock.Anything, mock.MatchedBy(func(cmd string) bool {
		return strings.HasPrefix(cmd, "docker ps -a")
	})).Return([]byte("0\n1\n\n"), nil)

	var runCmd string
	r.On("Run", mock.Anything, mock.MatchedBy(func(cmd string) bool {
		return strings.HasPrefix(cmd, "docker run")
	})).Run(func(args mock.Arguments) {
		runCmd = args.String(1)
	}).Return([]byte("Unable to find image locally\ncafebabe\n"), nil)

	id, err := a.StartInstance(context.Background(), "pw-123")
	require.NoError(t, err)
	assert.Equal(t, "cafebabe", id)

	assert.Contains(t, runCmd, "--name='pw-123'")
	assert.Contains(t, runCmd, "--net=host")
	assert.Contains(t, runCmd, "-l 'index=2'")
	assert.Contains(t, runCmd, "-l 'pool=sshdocker'")
	assert.Contains(t, runCmd, "'NEKO_BIND=:5002'")
	assert.Contains(t, runCmd, "'NEKO_EPR=:59200-59299'")
	assert.Contains(t, runCmd, "'NEKO_PASSWORD=pw-123'")
	assert.Contains(t, runCmd, "'NEKO_CERT=/etc/letsencrypt/live/vm.example.com/fullchain.pem'")
	assert.True(t, strings.HasSuffix(runCmd, "'howardc93/vbrowser'"))
	r.AssertExpectations(t)
}

func TestSSHDockerAdapter_StartInstanceNoOutput(t *testing.T) {
	r := &MockRunner{}
	a := newTestSSHAdapter(r, domain.PoolKey{Provider: "sshdocker"})

	r.On("Run", mock.Anything, mock.MatchedBy(func(cmd string) bool {
		return strings.HasPrefix(cmd, "docker ps -a")
	})).Return([]byte(""), nil)
	r.On("Run", mock.Anything, mock.MatchedBy(func(cmd string) bool {
		return strings.HasPrefix(cmd, "docker run")
	})).Return([]byte("\n"), nil)

	_, err := a.StartInstance(context.Background(), "pw")
	assert.Error(t, err)
}

func TestSSHDockerAdapter_TerminateInstance(t *testing.T) {
	tests := []struct {
		name    string
		runErr  error
		wantErr error
	}{
		{"removed", nil, nil},
		{"already gone", noSuch("Error: No such container: abc"), domain.ErrInstanceNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &MockRunner{}
			a := newTestSSHAdapter(r, domain.PoolKey{Provider: "sshdocker"})
			r.On("Run", mock.Anything, "docker rm -f 'abc'").Return([]byte{}, tt.runErr)

			err := a.TerminateInstance(context.Background(), "abc")
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	t.Run("transport error", func(t *testing.T) {
		r := &MockRunner{}
		a := newTestSSHAdapter(r, domain.PoolKey{Provider: "sshdocker"})
		r.On("Run", mock.Anything, "docker rm -f 'abc'").Return(nil, errors.New("connection reset"))

		err := a.TerminateInstance(context.Background(), "abc")
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrInstanceNotFound)
	})
}

func TestSSHDockerAdapter_GetInstance(t *testing.T) {
	key := domain.PoolKey{Provider: "sshdocker", Size: domain.SizeLarge}

	t.Run("found", func(t *testing.T) {
		r := &MockRunner{}
		a := newTestSSHAdapter(r, key)
		payload, _ := json.Marshal([]container.InspectResponse{inspectRecord("abc", "/pw", "4", "2024-01-01T00:00:00Z")})
		r.On("Run", mock.Anything, "docker inspect 'abc'").Return(payload, nil)

		vm, err := a.GetInstance(context.Background(), "abc")
		require.NoError(t, err)
		assert.Equal(t, "vm.example.com:5004", vm.Host)
		assert.Equal(t, "sshdockerLarge", vm.Provider)
		assert.True(t, vm.Large)
	})

	t.Run("missing", func(t *testing.T) {
		r := &MockRunner{}
		a := newTestSSHAdapter(r, key)
		r.On("Run", mock.Anything, "docker inspect 'abc'").Return([]byte("[]\n"), noSuch("Error: No such object: abc"))

		_, err := a.GetInstance(context.Background(), "abc")
		assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
	})
}

func TestSSHDockerAdapter_ListInstances(t *testing.T) {
	key := domain.PoolKey{Provider: "sshdocker"}

	t.Run("empty host", func(t *testing.T) {
		r := &MockRunner{}
		a := newTestSSHAdapter(r, key)
		r.On("Run", mock.Anything, mock.MatchedBy(func(cmd string) bool {
			return strings.HasPrefix(cmd, "docker ps ")
		})).Return([]byte(""), nil)

		vms, err := a.ListInstances(context.Background(), "")
		require.NoError(t, err)
		assert.Empty(t, vms)
		r.AssertNotCalled(t, "Run", mock.Anything, mock.MatchedBy(func(cmd string) bool {
			return strings.HasPrefix(cmd, "docker inspect")
		}))
	})

	t.Run("skips malformed and vanished", func(t *testing.T) {
		r := &MockRunner{}
		a := newTestSSHAdapter(r, key)

		var psCmd string
		r.On("Run", mock.Anything, mock.MatchedBy(func(cmd string) bool {
			return strings.HasPrefix(cmd, "docker ps ")
		})).Run(func(args mock.Arguments) {
			psCmd = args.String(1)
		}).Return([]byte("a\nb\nc\n"), nil)

		payload, _ := json.Marshal([]container.InspectResponse{
			inspectRecord("a", "/pa", "0", ""),
			inspectRecord("b", "/pb", "nope", ""),
		})
		r.On("Run", mock.Anything, "docker inspect 'a' 'b' 'c'").Return(payload, noSuch("Error: No such object: c"))

		vms, err := a.ListInstances(context.Background(), "")
		require.NoError(t, err)
		require.Len(t, vms, 1)
		assert.Equal(t, "a", vms[0].ID)
		assert.Contains(t, psCmd, "'label=pool=sshdocker'")
	})
}

func TestSSHDockerAdapter_Capabilities(t *testing.T) {
	a := newTestSSHAdapter(&MockRunner{}, domain.PoolKey{Provider: "sshdocker"})
	assert.False(t, ReusesInstances(a))
	assert.NoError(t, a.PowerOn(context.Background(), "x"))
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"it's", `'it'\''s'`},
		{"", "''"},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
