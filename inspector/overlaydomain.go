package inspector

import (
	"encoding/json"

	"github.com/couikit/devtools/protocol"
)

type overlayDomain struct {
	s *Session
	// inspecting is true while the client has pick mode on; host picks
	// outside that window are ignored.
	inspecting  bool
	highlighted bool
}

func newOverlayDomain(s *Session) *overlayDomain {
	return &overlayDomain{s: s}
}

func (o *overlayDomain) handlers() map[string]Handler {
	return map[string]Handler{
		"enable":         o.enable,
		"disable":        o.disable,
		"setInspectMode": o.setInspectMode,
		"highlightNode":  o.highlightNode,
		"hideHighlight":  o.hideHighlight,
	}
}

func (o *overlayDomain) decodeParams(params []byte, dst any) {
	if len(params) == 0 {
		return
	}
	if err := json.Unmarshal(params, dst); err != nil {
		o.s.logger.Debug("bad params", "error", err)
	}
}

func (o *overlayDomain) enable(params []byte) any { return nil }

func (o *overlayDomain) disable(params []byte) any {
	o.inspecting = false
	o.hideIfShown()
	return nil
}

func (o *overlayDomain) setInspectMode(params []byte) any {
	var p struct {
		Mode string `json:"mode"`
	}
	o.decodeParams(params, &p)
	o.inspecting = p.Mode == "searchForNode"
	if !o.inspecting {
		o.hideIfShown()
	}
	return nil
}

func (o *overlayDomain) highlightNode(params []byte) any {
	var p struct {
		NodeID          int64           `json:"nodeId"`
		ObjectID        string          `json:"objectId"`
		HighlightConfig json.RawMessage `json:"highlightConfig"`
	}
	o.decodeParams(params, &p)

	n, err := o.s.reg.NodeFor(p.NodeID)
	if err != nil && p.ObjectID != "" {
		obj, lookupErr := o.s.ser.Lookup(p.ObjectID)
		if lookupErr != nil {
			return &protocol.ErrorResult{Error: lookupErr.Error()}
		}
		var ok bool
		if n, ok = o.s.page.NodeOf(obj); !ok {
			return &protocol.ErrorResult{Error: "object is not a node"}
		}
		err = nil
	}
	if err != nil {
		return &protocol.ErrorResult{Error: err.Error()}
	}
	if o.s.highlighter != nil {
		o.s.highlighter.Highlight(n, p.HighlightConfig)
		o.highlighted = true
	}
	return nil
}

func (o *overlayDomain) hideHighlight(params []byte) any {
	o.hideIfShown()
	return nil
}

func (o *overlayDomain) hideIfShown() {
	if o.highlighted && o.s.highlighter != nil {
		o.s.highlighter.Hide()
	}
	o.highlighted = false
}
