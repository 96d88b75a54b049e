//go:build linux

package procview

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/secmon/pkg/domain"
)

func TestStat_Visibility(t *testing.T) {
	p := newFakeProc(t)
	p.process(t, 10, 10, "visible")

	probe, err := NewStat(p.root).Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.VisibilityPresent, probe.Visible(10))
	assert.Equal(t, domain.VisibilityAbsent, probe.Visible(11))
}

func TestStat_OtherErrorsAreUnknown(t *testing.T) {
	dir := t.TempDir()
	notADir := filepath.Join(dir, "proc")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o644))

	s := NewStat(notADir)
	// stat of <file>/12 fails with ENOTDIR, which says nothing about pid 12
	assert.Equal(t, domain.VisibilityUnknown, s.visible(12))
}

func TestStat_MissingProcRoot(t *testing.T) {
	_, err := NewStat(filepath.Join(t.TempDir(), "nope")).Snapshot(context.Background())
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestListing_SeesSelf(t *testing.T) {
	l := NewListing(nil, "")
	probe, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityPresent, probe.Visible(os.Getpid()))
}

func TestStatAgreesWithBruteForceForSelf(t *testing.T) {
	ctx := context.Background()
	probe, err := NewStat("").Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityPresent, probe.Visible(os.Getpid()))
	assert.Equal(t, domain.VisibilityPresent, NewBruteForce(nil, "", 0).Alive(ctx, os.Getpid()))
}
