package httpapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/aoba-ctl/aoba-ctl/internal/modbus"
	"github.com/aoba-ctl/aoba-ctl/internal/statustree"
)

func renderPorts(ports []statustree.PortData) []fiber.Map {
	out := make([]fiber.Map, len(ports))
	for i, p := range ports {
		out[i] = renderPort(p)
	}
	return out
}

func renderPort(p statustree.PortData) fiber.Map {
	return fiber.Map{
		"name":      p.Name,
		"virtual":   p.Classification == statustree.Virtual,
		"occupancy": p.Occupancy.String(),
		"status":    renderIndicator(p.Status),
		"mode":      modeString(p.Config.Mode),
		"stations":  renderStations(p.Config.Stations),
		"log_count": p.Logs.Len(),
		"running":   p.Subprocess != nil,
	}
}

func renderIndicator(ind statustree.Indicator) fiber.Map {
	m := fiber.Map{"kind": indicatorKindString(ind.Kind)}
	if ind.Message != "" {
		m["message"] = ind.Message
	}
	if !ind.At.IsZero() {
		m["at"] = ind.At
	}
	return m
}

func indicatorKindString(k statustree.IndicatorKind) string {
	switch k {
	case statustree.Running:
		return "running"
	case statustree.Restarting:
		return "restarting"
	case statustree.AppliedSuccess:
		return "applied_success"
	case statustree.StartupFailed:
		return "startup_failed"
	default:
		return "not_started"
	}
}

func modeString(m statustree.ConnectionMode) string {
	if m == statustree.Master {
		return "master"
	}
	return "slave"
}

func renderStations(stations []statustree.Station) []fiber.Map {
	out := make([]fiber.Map, len(stations))
	for i, st := range stations {
		out[i] = fiber.Map{
			"station_id":    st.StationID,
			"register_mode": registerModeString(st.RegisterMode),
			"start_address": st.StartAddress,
			"length":        st.Length,
			"cached_values": st.Cached,
			"success_count": st.SuccessCount,
			"total_count":   st.TotalCount,
		}
	}
	return out
}

func registerModeString(m modbus.RegisterMode) string {
	switch m {
	case modbus.Coils:
		return "coils"
	case modbus.DiscreteInputs:
		return "discrete_inputs"
	case modbus.Input:
		return "input"
	default:
		return "holding"
	}
}

func renderTransient(t statustree.Transient) fiber.Map {
	m := fiber.Map{"spinner_frame": t.SpinnerFrame}
	if t.LastError != nil {
		m["last_error"] = fiber.Map{"message": t.LastError.Message, "at": t.LastError.At}
	}
	if !t.LastScanTime.IsZero() {
		m["last_scan_time"] = t.LastScanTime
	}
	return m
}
