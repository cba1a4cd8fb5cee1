package runtime

import (
	"fmt"
	"math"
	"math/big"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

type builtinFunc = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

// extraBuiltins fill the gaps between the Starlark universe and the
// allowed builtin surface. A universe builtin of the same name wins.
var extraBuiltins = map[string]builtinFunc{
	"abs":    abs,
	"sum":    sum,
	"bin":    formatInt("0b", 2),
	"hex":    formatInt("0x", 16),
	"oct":    formatInt("0o", 8),
	"divmod": divmod,
	"pow":    pow,
	"round":  round,
	"filter": filter,
	"map":    mapFn,
}

func abs(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	switch x := x.(type) {
	case starlark.Int:
		if x.Sign() < 0 {
			return starlark.Binary(syntax.MINUS, starlark.MakeInt(0), x)
		}
		return x, nil
	case starlark.Float:
		return starlark.Float(math.Abs(float64(x))), nil
	default:
		return nil, fmt.Errorf("%s: got %s, want int or float", b.Name(), x.Type())
	}
}

func sum(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}
	if _, ok := start.(starlark.String); ok {
		return nil, fmt.Errorf("%s: can't sum strings", b.Name())
	}

	iter := iterable.Iterate()
	defer iter.Done()

	acc := start
	var x starlark.Value
	for iter.Next(&x) {
		next, err := starlark.Binary(syntax.PLUS, acc, x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		acc = next
	}
	return acc, nil
}

func formatInt(prefix string, base int) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x starlark.Int
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
			return nil, err
		}
		n := x.BigInt()
		sign := ""
		if n.Sign() < 0 {
			sign = "-"
			n.Neg(n)
		}
		return starlark.String(sign + prefix + n.Text(base)), nil
	}
}

func divmod(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &y); err != nil {
		return nil, err
	}
	q, err := starlark.Binary(syntax.SLASHSLASH, x, y)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	r, err := starlark.Binary(syntax.PERCENT, x, y)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.Tuple{q, r}, nil
}

func pow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var base, exp starlark.Value
	var mod starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "base", &base, "exp", &exp, "mod?", &mod); err != nil {
		return nil, err
	}

	bi, baseIsInt := base.(starlark.Int)
	ei, expIsInt := exp.(starlark.Int)

	if mod != starlark.None {
		mi, modIsInt := mod.(starlark.Int)
		if !baseIsInt || !expIsInt || !modIsInt {
			return nil, fmt.Errorf("%s: 3rd argument not allowed unless all arguments are integers", b.Name())
		}
		if mi.Sign() == 0 {
			return nil, fmt.Errorf("%s: 3rd argument cannot be 0", b.Name())
		}
		if ei.Sign() < 0 {
			return nil, fmt.Errorf("%s: negative exponent with modulus", b.Name())
		}
		m := mi.BigInt()
		modulus := new(big.Int).Abs(m)
		r := new(big.Int).Exp(bi.BigInt(), ei.BigInt(), modulus)
		r.Mod(r, modulus)
		// Result takes the sign of the modulus.
		if m.Sign() < 0 && r.Sign() != 0 {
			r.Add(r, m)
		}
		return starlark.MakeBigInt(r), nil
	}

	if baseIsInt && expIsInt && ei.Sign() >= 0 {
		if _, ok := ei.Int64(); !ok {
			return nil, fmt.Errorf("%s: exponent too large", b.Name())
		}
		return starlark.MakeBigInt(new(big.Int).Exp(bi.BigInt(), ei.BigInt(), nil)), nil
	}

	bf, ok := starlark.AsFloat(base)
	if !ok {
		return nil, fmt.Errorf("%s: got %s for base, want int or float", b.Name(), base.Type())
	}
	ef, ok := starlark.AsFloat(exp)
	if !ok {
		return nil, fmt.Errorf("%s: got %s for exponent, want int or float", b.Name(), exp.Type())
	}
	if bf == 0 && ef < 0 {
		return nil, fmt.Errorf("%s: 0.0 cannot be raised to a negative power", b.Name())
	}
	return starlark.Float(math.Pow(bf, ef)), nil
}

// round rounds half to even, like the Python builtin.
func round(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	var nd starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "number", &x, "ndigits?", &nd); err != nil {
		return nil, err
	}

	ndigits := 0
	if nd != starlark.None {
		n, err := starlark.AsInt32(nd)
		if err != nil {
			return nil, fmt.Errorf("%s: ndigits: %w", b.Name(), err)
		}
		ndigits = n
	}

	switch x := x.(type) {
	case starlark.Int:
		if ndigits >= 0 {
			return x, nil
		}
		p := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-ndigits)), nil)
		return starlark.MakeBigInt(roundIntHalfEven(x.BigInt(), p)), nil

	case starlark.Float:
		f := float64(x)
		if nd == starlark.None {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("%s: cannot convert float %v to integer", b.Name(), f)
			}
			i, _ := new(big.Float).SetFloat64(math.RoundToEven(f)).Int(nil)
			return starlark.MakeBigInt(i), nil
		}
		p := math.Pow(10, float64(ndigits))
		scaled := f * p
		if math.IsInf(scaled, 0) || math.IsNaN(scaled) {
			return x, nil
		}
		return starlark.Float(math.RoundToEven(scaled) / p), nil

	default:
		return nil, fmt.Errorf("%s: got %s, want int or float", b.Name(), x.Type())
	}
}

func roundIntHalfEven(x, p *big.Int) *big.Int {
	q, r := new(big.Int).DivMod(x, p, new(big.Int))
	twice := new(big.Int).Lsh(r, 1)
	if c := twice.Cmp(p); c > 0 || (c == 0 && q.Bit(0) == 1) {
		q.Add(q, big.NewInt(1))
	}
	return q.Mul(q, p)
}

func filter(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Value
	var iterable starlark.Iterable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &fn, &iterable); err != nil {
		return nil, err
	}

	iter := iterable.Iterate()
	defer iter.Done()

	var kept []starlark.Value
	var x starlark.Value
	for iter.Next(&x) {
		keep := x.Truth()
		if fn != starlark.None {
			v, err := starlark.Call(thread, fn, starlark.Tuple{x}, nil)
			if err != nil {
				return nil, err
			}
			keep = v.Truth()
		}
		if keep {
			kept = append(kept, x)
		}
	}
	return starlark.NewList(kept), nil
}

func mapFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("%s: must have at least two arguments", b.Name())
	}

	fn := args[0]
	iters := make([]starlark.Iterator, 0, len(args)-1)
	defer func() {
		for _, it := range iters {
			it.Done()
		}
	}()
	for i, a := range args[1:] {
		it := starlark.Iterate(a)
		if it == nil {
			return nil, fmt.Errorf("%s: argument #%d is not iterable: %s", b.Name(), i+2, a.Type())
		}
		iters = append(iters, it)
	}

	var out []starlark.Value
	for {
		call := make(starlark.Tuple, len(iters))
		for i, it := range iters {
			if !it.Next(&call[i]) {
				return starlark.NewList(out), nil
			}
		}
		v, err := starlark.Call(thread, fn, call, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

func undefined(name string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		return nil, fmt.Errorf("name '%s' is not defined", name)
	})
}
