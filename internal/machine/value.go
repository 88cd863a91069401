package machine

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/causality/internal/ir"
)

// Value is a machine value. The set of implementations is closed.
type Value interface {
	machineValue()
	// TypeName is the name checked against declared register and payload types.
	TypeName() string
}

type (
	Unit   struct{}
	Bool   bool
	Int    int64
	Symbol string

	Product struct{ Left, Right Value }
	Tensor  struct{ Left, Right Value }

	Sum struct {
		Tag   string
		Value Value
	}

	ResourceRef struct{ ID ir.ContentID }
	MorphismRef struct{ Register ir.ContentID }
	TypeValue   struct{ Name string }
	ChannelRef  struct{ ID string }

	Function struct {
		Params   []string
		Body     string
		Captured map[string]Value
	}

	// Data carries a structured resource payload that has no native machine
	// form, such as an object-valued balance record.
	Data struct{ Value ir.Value }
)

func (Unit) machineValue()        {}
func (Bool) machineValue()        {}
func (Int) machineValue()         {}
func (Symbol) machineValue()      {}
func (Product) machineValue()     {}
func (Tensor) machineValue()      {}
func (Sum) machineValue()         {}
func (ResourceRef) machineValue() {}
func (MorphismRef) machineValue() {}
func (TypeValue) machineValue()   {}
func (ChannelRef) machineValue()  {}
func (Function) machineValue()    {}
func (Data) machineValue()        {}

func (Unit) TypeName() string        { return "unit" }
func (Bool) TypeName() string        { return "bool" }
func (Int) TypeName() string         { return "int" }
func (Symbol) TypeName() string      { return "symbol" }
func (Product) TypeName() string     { return "product" }
func (Tensor) TypeName() string      { return "tensor" }
func (Sum) TypeName() string         { return "sum" }
func (ResourceRef) TypeName() string { return "resource" }
func (MorphismRef) TypeName() string { return "morphism" }
func (TypeValue) TypeName() string   { return "type" }
func (ChannelRef) TypeName() string  { return "channel" }
func (Function) TypeName() string    { return "function" }
func (Data) TypeName() string        { return "data" }

const kindKey = "$kind"

// ToIR converts v to its canonical form. Scalars map to themselves; other
// variants become objects tagged with "$kind".
func ToIR(v Value) ir.Value {
	switch v := v.(type) {
	case Bool:
		return ir.Bool(v)
	case Int:
		return ir.Int(v)
	case Symbol:
		return ir.String(v)
	case Data:
		return v.Value
	case Unit:
		return tagged("unit", nil)
	case Product:
		return tagged("product", ir.Object{"left": ToIR(v.Left), "right": ToIR(v.Right)})
	case Tensor:
		return tagged("tensor", ir.Object{"left": ToIR(v.Left), "right": ToIR(v.Right)})
	case Sum:
		return tagged("sum", ir.Object{"tag": ir.String(v.Tag), "value": ToIR(v.Value)})
	case ResourceRef:
		return tagged("resource", ir.Object{"id": ir.String(v.ID.String())})
	case MorphismRef:
		return tagged("morphism", ir.Object{"register": ir.String(v.Register.String())})
	case TypeValue:
		return tagged("type", ir.Object{"name": ir.String(v.Name)})
	case ChannelRef:
		return tagged("channel", ir.Object{"id": ir.String(v.ID)})
	case Function:
		params := make(ir.Array, len(v.Params))
		for i, p := range v.Params {
			params[i] = ir.String(p)
		}
		env := ir.Object{}
		for _, k := range slices.Sorted(maps.Keys(v.Captured)) {
			env[k] = ToIR(v.Captured[k])
		}
		return tagged("function", ir.Object{"params": params, "body": ir.String(v.Body), "captured": env})
	}
	return tagged("unit", nil)
}

func tagged(kind string, fields ir.Object) ir.Object {
	obj := ir.Object{kindKey: ir.String(kind)}
	maps.Copy(obj, fields)
	return obj
}

// FromIR is the inverse of ToIR. Untagged arrays and objects become Data.
func FromIR(v ir.Value) (Value, error) {
	switch v := v.(type) {
	case nil, ir.Null:
		return Unit{}, nil
	case ir.Bool:
		return Bool(v), nil
	case ir.Int:
		return Int(v), nil
	case ir.String:
		return Symbol(v), nil
	case ir.Array:
		return Data{Value: v}, nil
	case ir.Object:
		kind, ok := v[kindKey].(ir.String)
		if !ok {
			return Data{Value: v}, nil
		}
		return fromTagged(string(kind), v)
	}
	return nil, fmt.Errorf("machine value: unsupported %T", v)
}

func fromTagged(kind string, obj ir.Object) (Value, error) {
	pair := func() (Value, Value, error) {
		l, err := FromIR(obj["left"])
		if err != nil {
			return nil, nil, err
		}
		r, err := FromIR(obj["right"])
		if err != nil {
			return nil, nil, err
		}
		return l, r, nil
	}
	idField := func(key string) (ir.ContentID, error) {
		return ir.ParseContentID(obj.StringField(key))
	}

	switch kind {
	case "unit":
		return Unit{}, nil
	case "product":
		l, r, err := pair()
		return Product{Left: l, Right: r}, err
	case "tensor":
		l, r, err := pair()
		return Tensor{Left: l, Right: r}, err
	case "sum":
		inner, err := FromIR(obj["value"])
		return Sum{Tag: obj.StringField("tag"), Value: inner}, err
	case "resource":
		id, err := idField("id")
		return ResourceRef{ID: id}, err
	case "morphism":
		id, err := idField("register")
		return MorphismRef{Register: id}, err
	case "type":
		return TypeValue{Name: obj.StringField("name")}, nil
	case "channel":
		return ChannelRef{ID: obj.StringField("id")}, nil
	case "function":
		fn := Function{Body: obj.StringField("body"), Captured: map[string]Value{}}
		if params, ok := obj["params"].(ir.Array); ok {
			for _, p := range params {
				s, _ := p.(ir.String)
				fn.Params = append(fn.Params, string(s))
			}
		}
		if env, ok := obj["captured"].(ir.Object); ok {
			for k, raw := range env {
				cv, err := FromIR(raw)
				if err != nil {
					return nil, err
				}
				fn.Captured[k] = cv
			}
		}
		return fn, nil
	}
	return nil, fmt.Errorf("machine value: unknown kind %q", kind)
}
