package engine

import "testing"

func TestConfiguredDevice(t *testing.T) {
	if got := ConfiguredDevice(nil, "Configured Input"); got != nil {
		t.Errorf("ConfiguredDevice(nil) = %v, want nil", got)
	}

	id := 3
	got := ConfiguredDevice(&id, "Configured Input")
	if len(got) != 1 || got[0].ID != 3 || got[0].Name != "Configured Input" {
		t.Errorf("ConfiguredDevice(&3) = %v, want one device with id 3", got)
	}
}

func TestDeviceListFallsBackToDefault(t *testing.T) {
	got := deviceList(nil, "Default Input")
	if len(got) != 1 || got[0].Name != "Default Input" {
		t.Errorf("deviceList(nil) = %v, want the default device", got)
	}

	configured := []AudioDevice{{ID: 2, Name: "USB Mic"}}
	got = deviceList(configured, "Default Input")
	if len(got) != 1 || got[0].ID != 2 || got[0].Name != "USB Mic" {
		t.Errorf("deviceList(configured) = %v, want the configured device", got)
	}
}
