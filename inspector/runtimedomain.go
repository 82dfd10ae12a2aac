package inspector

import (
	"encoding/json"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/couikit/devtools/page"
	"github.com/couikit/devtools/protocol"
	"github.com/couikit/devtools/remote"
)

// executionContextID is the single context of a page runtime.
const executionContextID = 1

type runtimeDomain struct {
	s           *Session
	exceptionID int64
}

func newRuntimeDomain(s *Session) *runtimeDomain {
	return &runtimeDomain{s: s}
}

func (r *runtimeDomain) handlers() map[string]Handler {
	return map[string]Handler{
		"enable":             r.enable,
		"disable":            r.disable,
		"evaluate":           r.evaluate,
		"callFunctionOn":     r.callFunctionOn,
		"getProperties":      r.getProperties,
		"releaseObject":      r.releaseObject,
		"releaseObjectGroup": r.releaseObjectGroup,
	}
}

func (r *runtimeDomain) decodeParams(params []byte, dst any) {
	if len(params) == 0 {
		return
	}
	if err := json.Unmarshal(params, dst); err != nil {
		r.s.logger.Debug("bad params", "error", err)
	}
}

func (r *runtimeDomain) enable(params []byte) any {
	r.s.emitEvent("Runtime.executionContextCreated", map[string]any{
		"context": map[string]any{
			"id":     executionContextID,
			"origin": r.s.page.URL(),
			"name":   r.s.page.Name(),
		},
	})
	return nil
}

func (r *runtimeDomain) disable(params []byte) any { return nil }

func (r *runtimeDomain) evaluate(params []byte) any {
	var p struct {
		Expression        string `json:"expression"`
		ObjectGroup       string `json:"objectGroup"`
		GeneratePreview   bool   `json:"generatePreview"`
		ThrowOnSideEffect bool   `json:"throwOnSideEffect"`
	}
	r.decodeParams(params, &p)

	if p.ThrowOnSideEffect && mightMutate(p.Expression) {
		return r.evaluationFault("EvalError: Possible side-effect in debug-evaluate")
	}
	v, err := r.s.page.Evaluate(p.Expression)
	if err != nil {
		r.emitException(err.Error())
		return r.evaluationFault(err.Error())
	}
	return map[string]any{
		"result": r.s.ser.Serialize(v, p.ObjectGroup, p.GeneratePreview),
	}
}

func (r *runtimeDomain) callFunctionOn(params []byte) any {
	var p struct {
		FunctionDeclaration string         `json:"functionDeclaration"`
		ObjectID            string         `json:"objectId"`
		Arguments           []callArgument `json:"arguments"`
		ObjectGroup         string         `json:"objectGroup"`
		GeneratePreview     bool           `json:"generatePreview"`
	}
	r.decodeParams(params, &p)

	this, err := r.s.ser.Lookup(p.ObjectID)
	if err != nil {
		return &protocol.ErrorResult{Error: err.Error()}
	}
	args := make([]goja.Value, len(p.Arguments))
	for i, a := range p.Arguments {
		av, err := r.argumentValue(a)
		if err != nil {
			return &protocol.ErrorResult{Error: err.Error()}
		}
		args[i] = av
	}

	v, err := r.s.page.CallFunction(p.FunctionDeclaration, this, args)
	if err != nil {
		r.emitException(err.Error())
		return r.evaluationFault(err.Error())
	}
	return map[string]any{
		"result": r.s.ser.Serialize(v, p.ObjectGroup, p.GeneratePreview),
	}
}

func (r *runtimeDomain) getProperties(params []byte) any {
	var p struct {
		ObjectID        string `json:"objectId"`
		OwnProperties   bool   `json:"ownProperties"`
		GeneratePreview bool   `json:"generatePreview"`
	}
	r.decodeParams(params, &p)

	props, internals, err := r.s.ser.Properties(p.ObjectID, p.OwnProperties, p.GeneratePreview)
	if err != nil {
		return &protocol.ErrorResult{Error: err.Error()}
	}
	return map[string]any{
		"result":             props,
		"internalProperties": internals,
	}
}

func (r *runtimeDomain) releaseObject(params []byte) any {
	var p struct {
		ObjectID string `json:"objectId"`
	}
	r.decodeParams(params, &p)
	r.s.ser.Release(p.ObjectID)
	return nil
}

func (r *runtimeDomain) releaseObjectGroup(params []byte) any {
	var p struct {
		ObjectGroup string `json:"objectGroup"`
	}
	r.decodeParams(params, &p)
	r.s.ser.ReleaseGroup(p.ObjectGroup)
	return nil
}

// onConsole forwards console API calls from page scripts.
func (r *runtimeDomain) onConsole(c page.ConsoleCall) {
	args := make([]*remote.RemoteObject, len(c.Args))
	for i, a := range c.Args {
		args[i] = r.s.ser.Serialize(a, "console", true)
	}
	r.s.emitEvent("Runtime.consoleAPICalled", map[string]any{
		"type":               c.Type,
		"args":               args,
		"executionContextId": executionContextID,
		"timestamp":          nowMillis(),
	})
}

func (r *runtimeDomain) emitException(text string) {
	r.exceptionID++
	r.s.emitEvent("Runtime.exceptionThrown", map[string]any{
		"timestamp": nowMillis(),
		"exceptionDetails": map[string]any{
			"exceptionId": r.exceptionID,
			"text":        text,
		},
	})
}

// evaluationFault is the response shape for a throwing or rejected
// expression: an empty result object plus exceptionDetails.
func (r *runtimeDomain) evaluationFault(text string) any {
	return map[string]any{
		"result": map[string]any{},
		"exceptionDetails": map[string]any{
			"text": text,
		},
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

type callArgument struct {
	Value               json.RawMessage `json:"value"`
	UnserializableValue string          `json:"unserializableValue"`
	ObjectID            string          `json:"objectId"`
}

func (r *runtimeDomain) argumentValue(a callArgument) (goja.Value, error) {
	vm := r.s.page.VM()
	switch {
	case a.ObjectID != "":
		return r.s.ser.Lookup(a.ObjectID)
	case a.UnserializableValue != "":
		switch a.UnserializableValue {
		case "NaN":
			return vm.ToValue(math.NaN()), nil
		case "Infinity":
			return vm.ToValue(math.Inf(1)), nil
		case "-Infinity":
			return vm.ToValue(math.Inf(-1)), nil
		case "-0":
			return vm.ToValue(math.Copysign(0, -1)), nil
		}
		if digits, ok := strings.CutSuffix(a.UnserializableValue, "n"); ok {
			if bi, worked := new(big.Int).SetString(digits, 10); worked {
				return vm.ToValue(bi), nil
			}
		}
		return nil, &protocol.DecodeError{Reason: "bad unserializable value " + a.UnserializableValue}
	case len(a.Value) > 0:
		var plain any
		if err := json.Unmarshal(a.Value, &plain); err != nil {
			return nil, &protocol.DecodeError{Reason: err.Error()}
		}
		return vm.ToValue(plain), nil
	}
	return goja.Undefined(), nil
}

// mightMutate is the conservative side-effect pre-check used by evaluate
// with throwOnSideEffect: assignment operators, increments/decrements and
// the delete keyword outside string literals reject the expression. False
// positives are acceptable; false negatives are not guarded against beyond
// this lexical scan.
func mightMutate(expr string) bool {
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch c {
		case '"', '\'', '`':
			i = skipJSString(expr, i)
			continue
		case '+', '-':
			if i+1 < len(expr) && expr[i+1] == c {
				return true
			}
			if i+1 < len(expr) && expr[i+1] == '=' {
				return true
			}
		case '*', '/', '%', '&', '|', '^':
			if i+1 < len(expr) && expr[i+1] == '=' {
				return true
			}
		case '=':
			next := byte(0)
			if i+1 < len(expr) {
				next = expr[i+1]
			}
			prev := byte(0)
			if i > 0 {
				prev = expr[i-1]
			}
			if next != '=' && prev != '=' && prev != '!' && prev != '<' && prev != '>' {
				return true
			}
		case 'd':
			if hasKeywordAt(expr, i, "delete") {
				return true
			}
		}
		i++
	}
	return false
}

func hasKeywordAt(s string, i int, kw string) bool {
	if !strings.HasPrefix(s[i:], kw) {
		return false
	}
	if i > 0 && isIdentChar(s[i-1]) {
		return false
	}
	end := i + len(kw)
	return end >= len(s) || !isIdentChar(s[end])
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func skipJSString(s string, i int) int {
	quote := s[i]
	i++
	for i < len(s) {
		switch s[i] {
		case '\\':
			i += 2
			continue
		case quote:
			return i + 1
		}
		i++
	}
	return i
}
