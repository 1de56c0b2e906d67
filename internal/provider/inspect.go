package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/instant-demo/vbrowser-pool/internal/domain"
)

// Container labels and the host port layout shared by both docker adapters.
// Each instance owns a slot: TCP port basePort+slot and a UDP range of udpSpan
// ports starting at udpBase+slot*udpSpan.
const (
	labelManaged = "vbrowser"
	labelIndex   = "index"
	labelPool    = "pool"

	basePort = 5000
	maxSlots = 64
	udpBase  = 59000
	udpSpan  = 100
)

// inspectNormalizer maps `docker inspect` records to VMs for one pool.
type inspectNormalizer struct {
	gatewayHost string
	key         domain.PoolKey
}

// normalize converts a single inspect record.
func (n inspectNormalizer) normalize(resp *container.InspectResponse) (*domain.VM, error) {
	if resp == nil || resp.ContainerJSONBase == nil || resp.ID == "" {
		return nil, fmt.Errorf("%w: missing container id", domain.ErrMalformedRecord)
	}
	if resp.Config == nil {
		return nil, fmt.Errorf("%w: container %s has no config", domain.ErrMalformedRecord, resp.ID)
	}

	slot, err := strconv.Atoi(resp.Config.Labels[labelIndex])
	if err != nil || slot < 0 || slot >= maxSlots {
		return nil, fmt.Errorf("%w: container %s has invalid %q label", domain.ErrMalformedRecord, resp.ID, labelIndex)
	}

	vm := &domain.VM{
		ID:       resp.ID,
		Host:     net.JoinHostPort(n.gatewayHost, strconv.Itoa(basePort+slot)),
		Tags:     resp.Config.Labels,
		Provider: n.key.String(),
		Large:    n.key.Large(),
	}

	name := strings.TrimPrefix(resp.Name, "/")
	vm.Password = name
	vm.OriginalName = name

	if resp.NetworkSettings != nil {
		vm.PrivateIP = resp.NetworkSettings.IPAddress
	}

	if resp.State != nil {
		vm.State = string(resp.State.Status)
		if resp.State.StartedAt != "" {
			started, err := time.Parse(time.RFC3339Nano, resp.State.StartedAt)
			if err != nil {
				return nil, fmt.Errorf("%w: container %s start time: %v", domain.ErrMalformedRecord, resp.ID, err)
			}
			vm.CreatedAt = started
		}
	}
	return vm, nil
}

// decodeInspect accepts the array `docker inspect` prints as well as a bare
// object.
func decodeInspect(payload []byte) ([]container.InspectResponse, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", domain.ErrMalformedRecord)
	}

	if trimmed[0] == '[' {
		var list []container.InspectResponse
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedRecord, err)
		}
		return list, nil
	}

	var one container.InspectResponse
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedRecord, err)
	}
	return []container.InspectResponse{one}, nil
}

// normalizePayload converts the first record of payload.
func (n inspectNormalizer) normalizePayload(payload []byte) (*domain.VM, error) {
	list, err := decodeInspect(payload)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, domain.ErrInstanceNotFound
	}
	return n.normalize(&list[0])
}

// freeSlot returns the lowest slot not present in used.
func freeSlot(used map[int]bool) (int, error) {
	for i := 0; i < maxSlots; i++ {
		if !used[i] {
			return i, nil
		}
	}
	return 0, fmt.Errorf("all %d instance slots in use", maxSlots)
}

// slotEnv returns the neko environment for a slot.
func slotEnv(slot int) (bind, udpRange, display string) {
	udpStart := udpBase + slot*udpSpan
	return fmt.Sprintf(":%d", basePort+slot),
		fmt.Sprintf(":%d-%d", udpStart, udpStart+udpSpan-1),
		fmt.Sprintf(":%d.0", slot)
}
