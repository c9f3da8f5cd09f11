package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"mos/storaged/internal/audit"
	"mos/storaged/internal/engine"
	"mos/storaged/internal/pools"
	"mos/storaged/pkg/httpx"
)

type poolHandler struct {
	eng   *engine.Engine
	audit *audit.Log
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func poolID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

func (h *poolHandler) list(w http.ResponseWriter, r *http.Request) {
	out, err := h.eng.ListPools(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	setPoolCount(len(out))
	httpx.WriteJSON(w, map[string]any{"pools": out})
}

func (h *poolHandler) get(w http.ResponseWriter, r *http.Request) {
	out, err := h.eng.GetPool(r.Context(), poolID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) createSingle(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateSingleRequest
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.CreateSingleDevicePool(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) createMulti(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateMultiRequest
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.CreateMultiDevicePool(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) createMergerFS(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateMergerFSRequest
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.CreateMergerFSPool(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) importPool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		Device    string `json:"device"`
		Automount bool   `json:"automount"`
	}
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.ImportPool(r.Context(), req.Name, req.Device, req.Automount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) remove(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := h.eng.RemovePool(r.Context(), poolID(r), force); err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, map[string]any{"ok": true})
}

func (h *poolHandler) mount(w http.ResponseWriter, r *http.Request) {
	out, err := h.eng.MountPool(r.Context(), poolID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) unmount(w http.ResponseWriter, r *http.Request) {
	var opts engine.UnmountOptions
	if r.ContentLength > 0 {
		if err := decode(r, &opts); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
			return
		}
	}
	out, err := h.eng.UnmountPool(r.Context(), poolID(r), opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) changeRaid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level pools.RaidLevel `json:"level"`
	}
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.ChangeRaidLevel(r.Context(), poolID(r), req.Level)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) automount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Automount bool `json:"automount"`
	}
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.SetAutomount(r.Context(), poolID(r), req.Automount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) comment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Comment string `json:"comment"`
	}
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.SetComment(r.Context(), poolID(r), req.Comment)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) pathRules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rules []pools.PathRule `json:"rules"`
	}
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.SetPathRules(r.Context(), poolID(r), req.Rules)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) scrub(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.ScrubPool(r.Context(), poolID(r)); err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, map[string]any{"ok": true})
}

type deviceBody struct {
	Devices       []string `json:"devices"`
	Format        *bool    `json:"format,omitempty"`
	UnmountBranch bool     `json:"unmountBranch,omitempty"`
}

func (h *poolHandler) addDevices(w http.ResponseWriter, r *http.Request) {
	var req deviceBody
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.AddDevicesToPool(r.Context(), poolID(r), req.Devices, req.Format)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) removeDevices(w http.ResponseWriter, r *http.Request) {
	var req deviceBody
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.RemoveDevicesFromPool(r.Context(), poolID(r), req.Devices, req.UnmountBranch)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

type replaceBody struct {
	Old    string `json:"old"`
	New    string `json:"new"`
	Format *bool  `json:"format,omitempty"`
}

func (h *poolHandler) replaceDevice(w http.ResponseWriter, r *http.Request) {
	var req replaceBody
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.ReplaceDeviceInPool(r.Context(), poolID(r), req.Old, req.New, req.Format)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) addParity(w http.ResponseWriter, r *http.Request) {
	var req deviceBody
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.AddParityDevicesToPool(r.Context(), poolID(r), req.Devices, req.Format)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) removeParity(w http.ResponseWriter, r *http.Request) {
	var req deviceBody
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.RemoveParityDevicesFromPool(r.Context(), poolID(r), req.Devices)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) replaceParity(w http.ResponseWriter, r *http.Request) {
	var req replaceBody
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.ReplaceParityDeviceInPool(r.Context(), poolID(r), req.Old, req.New, req.Format)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) poolPowerStatus(w http.ResponseWriter, r *http.Request) {
	out, err := h.eng.GetPoolDisksPowerStatus(r.Context(), poolID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) poolPowerControl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action engine.PowerAction `json:"action"`
	}
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.ControlPool(r.Context(), poolID(r), req.Action)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) diskPowerStatus(w http.ResponseWriter, r *http.Request) {
	out, err := h.eng.GetDiskStatus(r.Context(), poolID(r), chi.URLParam(r, "uuid"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) diskPowerControl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action engine.PowerAction `json:"action"`
	}
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	out, err := h.eng.ControlDisk(r.Context(), poolID(r), chi.URLParam(r, "uuid"), req.Action)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) formatDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Device     string         `json:"device"`
		Filesystem pools.PoolType `json:"filesystem"`
	}
	if err := decode(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := h.eng.FormatDevice(r.Context(), req.Device, req.Filesystem); err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, map[string]any{"ok": true})
}

func (h *poolHandler) checkDevice(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if device == "" {
		httpx.WriteError(w, http.StatusBadRequest, "device query parameter required")
		return
	}
	out, err := h.eng.CheckDevice(r.Context(), device)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, out)
}

func (h *poolHandler) auditRecent(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "audit log not available")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := h.audit.Recent(limit)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, map[string]any{"entries": entries})
}
