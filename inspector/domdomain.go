package inspector

import (
	"encoding/json"

	"golang.org/x/net/html"

	"github.com/couikit/devtools/dom"
	"github.com/couikit/devtools/protocol"
)

type domDomain struct {
	s *Session
}

func newDOMDomain(s *Session) *domDomain {
	return &domDomain{s: s}
}

func (d *domDomain) handlers() map[string]Handler {
	return map[string]Handler{
		"enable":                          d.enable,
		"disable":                         d.disable,
		"getDocument":                     d.getDocument,
		"requestChildNodes":               d.requestChildNodes,
		"setAttributesAsText":             d.setAttributesAsText,
		"setNodeValue":                    d.setNodeValue,
		"resolveNode":                     d.resolveNode,
		"requestNode":                     d.requestNode,
		"removeNode":                      d.removeNode,
		"getOuterHTML":                    d.getOuterHTML,
		"setOuterHTML":                    d.setOuterHTML,
		"copyTo":                          d.copyTo,
		"moveTo":                          d.moveTo,
		"pushNodesByBackendIdsToFrontend": d.pushNodesByBackendIdsToFrontend,
	}
}

// decodeParams tolerates absent or malformed params: handlers proceed with
// zero values and fail as lookup misses instead of protocol errors.
func (d *domDomain) decodeParams(params []byte, dst any) {
	if len(params) == 0 {
		return
	}
	if err := json.Unmarshal(params, dst); err != nil {
		d.s.logger.Debug("bad params", "error", err)
	}
}

// node resolves a node id or produces the typed lookup-miss payload.
func (d *domDomain) node(id int64) (*html.Node, any) {
	n, err := d.s.reg.NodeFor(id)
	if err != nil {
		return nil, &protocol.ErrorResult{Error: err.Error()}
	}
	return n, nil
}

func (d *domDomain) enable(params []byte) any  { return nil }
func (d *domDomain) disable(params []byte) any { return nil }

func (d *domDomain) getDocument(params []byte) any {
	var p struct {
		Depth  *int `json:"depth"`
		Pierce bool `json:"pierce"`
	}
	d.decodeParams(params, &p)
	depth := 1
	if p.Depth != nil {
		depth = *p.Depth
	}
	root := d.s.reg.Serialize(d.s.page.Document(), depth, p.Pierce)
	return map[string]any{"root": root}
}

func (d *domDomain) requestChildNodes(params []byte) any {
	var p struct {
		NodeID int64 `json:"nodeId"`
		Depth  *int  `json:"depth"`
		Pierce bool  `json:"pierce"`
	}
	d.decodeParams(params, &p)
	n, miss := d.node(p.NodeID)
	if miss != nil {
		return miss
	}
	depth := 1
	if p.Depth != nil {
		depth = *p.Depth
	}
	d.emitChildrenDepth(n, depth, p.Pierce)
	return nil
}

// emitChildren sends a depth-1 setChildNodes for n, used by the reveal
// walk.
func (d *domDomain) emitChildren(n *html.Node) {
	d.emitChildrenDepth(n, 1, false)
}

func (d *domDomain) emitChildrenDepth(n *html.Node, depth int, pierce bool) {
	wire := d.s.reg.Serialize(n, depth, pierce)
	children := wire.Children
	if children == nil {
		children = []*dom.Node{}
	}
	d.s.emitEvent("DOM.setChildNodes", map[string]any{
		"parentId": wire.NodeID,
		"nodes":    children,
	})
}

func (d *domDomain) setAttributesAsText(params []byte) any {
	var p struct {
		NodeID int64  `json:"nodeId"`
		Text   string `json:"text"`
		Name   string `json:"name"`
	}
	d.decodeParams(params, &p)
	n, miss := d.node(p.NodeID)
	if miss != nil {
		return miss
	}
	attrs, err := d.s.page.ParseAttributes(p.Text)
	if err != nil {
		return &protocol.ErrorResult{Error: err.Error()}
	}
	if p.Name != "" {
		replaced := false
		for _, a := range attrs {
			if a.Key == p.Name {
				replaced = true
				break
			}
		}
		if !replaced {
			d.s.page.RemoveAttribute(n, p.Name)
		}
	}
	for _, a := range attrs {
		d.s.page.SetAttribute(n, a.Key, a.Val)
	}
	return nil
}

func (d *domDomain) setNodeValue(params []byte) any {
	var p struct {
		NodeID int64  `json:"nodeId"`
		Value  string `json:"value"`
	}
	d.decodeParams(params, &p)
	n, miss := d.node(p.NodeID)
	if miss != nil {
		return miss
	}
	d.s.page.SetNodeValue(n, p.Value)
	return nil
}

func (d *domDomain) resolveNode(params []byte) any {
	var p struct {
		NodeID      int64  `json:"nodeId"`
		ObjectGroup string `json:"objectGroup"`
	}
	d.decodeParams(params, &p)
	n, miss := d.node(p.NodeID)
	if miss != nil {
		return miss
	}
	v := d.s.page.BindNode(n)
	return map[string]any{"object": d.s.ser.Serialize(v, p.ObjectGroup, false)}
}

func (d *domDomain) requestNode(params []byte) any {
	var p struct {
		ObjectID string `json:"objectId"`
	}
	d.decodeParams(params, &p)
	obj, err := d.s.ser.Lookup(p.ObjectID)
	if err != nil {
		return &protocol.ErrorResult{Error: err.Error()}
	}
	n, ok := d.s.page.NodeOf(obj)
	if !ok {
		return &protocol.ErrorResult{Error: "object is not a node"}
	}
	id := d.s.reg.IDFor(n)
	d.s.revealLocked(n)
	return map[string]any{"nodeId": id}
}

func (d *domDomain) removeNode(params []byte) any {
	var p struct {
		NodeID int64 `json:"nodeId"`
	}
	d.decodeParams(params, &p)
	n, miss := d.node(p.NodeID)
	if miss != nil {
		return miss
	}
	d.s.page.RemoveChild(n)
	return nil
}

func (d *domDomain) getOuterHTML(params []byte) any {
	var p struct {
		NodeID int64 `json:"nodeId"`
	}
	d.decodeParams(params, &p)
	n, miss := d.node(p.NodeID)
	if miss != nil {
		return miss
	}
	markup, err := d.s.page.OuterHTML(n)
	if err != nil {
		return &protocol.ErrorResult{Error: err.Error()}
	}
	return map[string]any{"outerHTML": markup}
}

func (d *domDomain) setOuterHTML(params []byte) any {
	var p struct {
		NodeID    int64  `json:"nodeId"`
		OuterHTML string `json:"outerHTML"`
	}
	d.decodeParams(params, &p)
	n, miss := d.node(p.NodeID)
	if miss != nil {
		return miss
	}
	if err := d.s.page.SetOuterHTML(n, p.OuterHTML); err != nil {
		return &protocol.ErrorResult{Error: err.Error()}
	}
	return nil
}

func (d *domDomain) copyTo(params []byte) any {
	var p struct {
		NodeID             int64 `json:"nodeId"`
		TargetNodeID       int64 `json:"targetNodeId"`
		InsertBeforeNodeID int64 `json:"insertBeforeNodeId"`
	}
	d.decodeParams(params, &p)
	n, miss := d.node(p.NodeID)
	if miss != nil {
		return miss
	}
	target, miss := d.node(p.TargetNodeID)
	if miss != nil {
		return miss
	}
	var before *html.Node
	if p.InsertBeforeNodeID != 0 {
		if before, miss = d.node(p.InsertBeforeNodeID); miss != nil {
			return miss
		}
	}
	clone := d.s.page.CloneInto(n, target, before)
	return map[string]any{"nodeId": d.s.reg.IDFor(clone)}
}

func (d *domDomain) moveTo(params []byte) any {
	var p struct {
		NodeID             int64 `json:"nodeId"`
		TargetNodeID       int64 `json:"targetNodeId"`
		InsertBeforeNodeID int64 `json:"insertBeforeNodeId"`
	}
	d.decodeParams(params, &p)
	n, miss := d.node(p.NodeID)
	if miss != nil {
		return miss
	}
	target, miss := d.node(p.TargetNodeID)
	if miss != nil {
		return miss
	}
	var before *html.Node
	if p.InsertBeforeNodeID != 0 {
		if before, miss = d.node(p.InsertBeforeNodeID); miss != nil {
			return miss
		}
	}
	d.s.page.MoveInto(n, target, before)
	return map[string]any{"nodeId": d.s.reg.IDFor(n)}
}

func (d *domDomain) pushNodesByBackendIdsToFrontend(params []byte) any {
	var p struct {
		BackendNodeIDs []int64 `json:"backendNodeIds"`
	}
	d.decodeParams(params, &p)
	ids := make([]int64, len(p.BackendNodeIDs))
	for i, backendID := range p.BackendNodeIDs {
		// backendNodeId and nodeId share the same space here; report 0 for
		// ids that are no longer tracked.
		if _, err := d.s.reg.NodeFor(backendID); err == nil {
			ids[i] = backendID
		}
	}
	return map[string]any{"nodeIds": ids}
}
