package provider

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/instant-demo/vbrowser-pool/internal/config"
	"github.com/instant-demo/vbrowser-pool/internal/domain"
)

// slotMu serializes slot allocation with container creation. Pools on the
// same host draw from one slot range.
var slotMu sync.Mutex

// launchSpec describes the vbrowser container for one pool.
type launchSpec struct {
	cfg config.DockerConfig
	key domain.PoolKey
}

func (s launchSpec) labels(slot int) map[string]string {
	return map[string]string{
		labelManaged: "",
		labelIndex:   strconv.Itoa(slot),
		labelPool:    s.key.String(),
	}
}

// env builds the neko environment. WARNING: contains the instance password.
// Never log this output.
func (s launchSpec) env(name string, slot int) []string {
	bind, udpRange, display := slotEnv(slot)
	live := path.Join(s.cfg.CertDir, "live", s.cfg.GatewayHost)
	return []string{
		"NEKO_KEY=" + path.Join(live, "privkey.pem"),
		"NEKO_CERT=" + path.Join(live, "fullchain.pem"),
		"DISPLAY=" + display,
		"NEKO_SCREEN=" + s.cfg.Screen,
		"NEKO_PASSWORD=" + name,
		"NEKO_PASSWORD_ADMIN=" + name,
		"NEKO_BIND=" + bind,
		"NEKO_EPR=" + udpRange,
	}
}

// runCommand renders the equivalent `docker run` invocation for a remote shell.
func (s launchSpec) runCommand(name string, slot int) string {
	args := []string{
		"docker", "run", "-d", "--rm",
		"--name=" + shellQuote(name),
		"--net=host",
		"-v", shellQuote(s.cfg.CertDir + ":" + s.cfg.CertDir),
		"-l", labelManaged,
		"-l", shellQuote(fmt.Sprintf("%s=%d", labelIndex, slot)),
		"-l", shellQuote(labelPool + "=" + s.key.String()),
		"--log-opt", shellQuote("max-size=" + s.cfg.LogMaxSize),
		"--shm-size=" + shellQuote(s.cfg.ShmSize),
		"--cap-add=SYS_ADMIN",
	}
	for _, e := range s.env(name, slot) {
		args = append(args, "-e", shellQuote(e))
	}
	args = append(args, shellQuote(s.cfg.Image))
	return strings.Join(args, " ")
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
