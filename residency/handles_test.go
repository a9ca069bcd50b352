package residency

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type handleFixture struct {
	registry *ProcessRegistry
	process  *Process
	pdd      *ProcessDevice
	handler  *captureHandler
}

func newHandleFixture(t *testing.T) *handleFixture {
	t.Helper()

	logger, handler := testLogger()
	registry := NewProcessRegistry(logger, ProcessRegistryCreateOptions{})
	t.Cleanup(registry.Close)

	p, err := registry.CreateProcess(newFakeSpace(1), nil)
	require.NoError(t, err)

	pdd, err := p.GetOrCreateDevice(newFakeDevice(1))
	require.NoError(t, err)

	return &handleFixture{
		registry: registry,
		process:  p,
		pdd:      pdd,
		handler:  handler,
	}
}

func TestCreateTranslateRemoveHandle(t *testing.T) {
	f := newHandleFixture(t)

	bo := newFakeBuffer(0x4000)
	handle, err := f.pdd.CreateHandle(bo, 0x10000, 0x4000, nil)
	require.NoError(t, err)
	require.NotEqual(t, NilHandle, handle)
	require.Equal(t, 1, f.pdd.HandleCount())

	require.Same(t, bo, f.pdd.Translate(handle).(*fakeBuffer))
	require.Equal(t, 0, f.handler.ErrorCount())
	require.NoError(t, f.process.Validate())

	f.pdd.RemoveHandle(handle)
	require.Equal(t, 0, f.pdd.HandleCount())
	require.NoError(t, f.process.Validate())

	// translating a removed handle means "object already released": nil plus
	// a log line, never a crash
	require.Nil(t, f.pdd.Translate(handle))
	require.Equal(t, 1, f.handler.ErrorCount())
}

func TestRemoveHandleReleasesExternalRefOnce(t *testing.T) {
	f := newHandleFixture(t)

	ref := &fakeExternalRef{}
	handle, err := f.pdd.CreateHandle(newFakeBuffer(0x1000), 0x10000, 0x1000, ref)
	require.NoError(t, err)

	f.pdd.RemoveHandle(handle)
	require.Equal(t, 1, ref.Releases())

	// the double remove is a caller bug, detected and logged
	f.pdd.RemoveHandle(handle)
	require.Equal(t, 1, ref.Releases())
	require.Equal(t, 1, f.handler.ErrorCount())
}

func TestHandleGenerationPreventsAliasing(t *testing.T) {
	f := newHandleFixture(t)

	boA := newFakeBuffer(0x1000)
	boB := newFakeBuffer(0x1000)

	first, err := f.pdd.CreateHandle(boA, 0x10000, 0x1000, nil)
	require.NoError(t, err)
	f.pdd.RemoveHandle(first)

	second, err := f.pdd.CreateHandle(boB, 0x20000, 0x1000, nil)
	require.NoError(t, err)

	// the slot is reused but the generation advanced, so the old handle can
	// never resolve to the new occupant
	require.Equal(t, first.index(), second.index())
	require.NotEqual(t, first, second)

	require.Nil(t, f.pdd.Translate(first))
	require.Same(t, boB, f.pdd.Translate(second).(*fakeBuffer))
	require.NoError(t, f.process.Validate())
}

func TestCreateHandleZeroSizeFails(t *testing.T) {
	f := newHandleFixture(t)

	_, err := f.pdd.CreateHandle(newFakeBuffer(0), 0x10000, 0, nil)
	require.Error(t, err)
	require.Equal(t, 0, f.pdd.HandleCount())
}

func TestFindBufferByRange(t *testing.T) {
	f := newHandleFixture(t)

	boA := newFakeBuffer(0x1000)
	boB := newFakeBuffer(0x1000)

	_, err := f.pdd.CreateHandle(boA, 0x1000, 0x1000, nil)
	require.NoError(t, err)
	_, err = f.pdd.CreateHandle(boB, 0x8000, 0x1000, nil)
	require.NoError(t, err)

	found := f.process.FindBufferByRange(0x1000, 0x1fff)
	require.Same(t, boA, found.(*fakeBuffer))
	require.Equal(t, 0, f.handler.ErrorCount())

	// partial overlap still resolves as long as exactly one record is hit
	found = f.process.FindBufferByRange(0x1800, 0x2800)
	require.Same(t, boA, found.(*fakeBuffer))
	require.Equal(t, 0, f.handler.ErrorCount())

	// spanning two records is ambiguous: nil with a single logged error
	require.Nil(t, f.process.FindBufferByRange(0x1000, 0x8fff))
	require.Equal(t, 1, f.handler.ErrorCount())

	// an unmapped range relates to no buffer at all
	require.Nil(t, f.process.FindBufferByRange(0x100000, 0x100fff))
	require.Equal(t, 2, f.handler.ErrorCount())
}

func TestFindBufferByRangeAcrossDevices(t *testing.T) {
	f := newHandleFixture(t)

	other, err := f.process.GetOrCreateDevice(newFakeDevice(2))
	require.NoError(t, err)

	boA := newFakeBuffer(0x1000)
	boB := newFakeBuffer(0x1000)

	_, err = f.pdd.CreateHandle(boA, 0x1000, 0x1000, nil)
	require.NoError(t, err)
	_, err = other.CreateHandle(boB, 0x8000, 0x1000, nil)
	require.NoError(t, err)

	// the reverse index is process-wide, not per-device
	require.Same(t, boB, f.process.FindBufferByRange(0x8000, 0x8fff).(*fakeBuffer))
	require.Nil(t, f.process.FindBufferByRange(0x1000, 0x8fff))
	require.NoError(t, f.process.Validate())
}

func TestCompositeHandleRoundTrip(t *testing.T) {
	f := newHandleFixture(t)

	handle, err := f.pdd.CreateHandle(newFakeBuffer(0x1000), 0x10000, 0x1000, nil)
	require.NoError(t, err)

	composite := MakeCompositeHandle(f.pdd.Device().ID(), handle)
	require.Equal(t, f.pdd.Device().ID(), composite.Device())
	require.Equal(t, handle, composite.Handle())

	require.Same(t, f.pdd, f.process.Device(composite.Device()))
}
