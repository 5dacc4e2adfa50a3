package announce

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisabledAnnouncerIsNoop(t *testing.T) {
	a := New(Config{Enabled: false}, 8080, "0.0.0")
	assert.NoError(t, a.Update(FleetInfo{BoardCount: 3}))
	a.Shutdown()
}

func TestNewDefaultsServiceName(t *testing.T) {
	a := New(Config{Enabled: true}, 8080, "0.0.0")
	assert.Equal(t, "espfleet", a.cfg.ServiceName)
}
