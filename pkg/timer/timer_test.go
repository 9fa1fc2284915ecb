package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResetDeliversSingleTick(t *testing.T) {
	tm := New()
	defer tm.Stop()

	tm.Reset(HV{Height: 1, View: 0}, 10*time.Millisecond)

	select {
	case hv := <-tm.C():
		require.Equal(t, HV{Height: 1, View: 0}, hv)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestResetCancelsPriorTick(t *testing.T) {
	tm := New()
	defer tm.Stop()

	tm.Reset(HV{Height: 1, View: 0}, 5*time.Millisecond)
	tm.Reset(HV{Height: 1, View: 1}, 20*time.Millisecond)

	select {
	case hv := <-tm.C():
		require.Equal(t, HV{Height: 1, View: 1}, hv)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestExtendPushesDeadlineOut(t *testing.T) {
	tm := New()
	defer tm.Stop()

	tm.Reset(HV{Height: 1, View: 0}, 10*time.Millisecond)
	tm.Extend(50 * time.Millisecond)

	select {
	case <-tm.C():
		t.Fatal("timer fired before extended deadline")
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case hv := <-tm.C():
		require.Equal(t, HV{Height: 1, View: 0}, hv)
	case <-time.After(time.Second):
		t.Fatal("timer never fired after extend")
	}
}

func TestStopSuppressesDelivery(t *testing.T) {
	tm := New()
	tm.Reset(HV{Height: 1, View: 0}, 5*time.Millisecond)
	tm.Stop()

	select {
	case <-tm.C():
		t.Fatal("stopped timer delivered a tick")
	case <-time.After(30 * time.Millisecond):
	}
}
