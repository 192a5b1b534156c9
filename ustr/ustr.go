// Package ustr implements the small path/string type used by the VFS
// path resolver, mirroring the teacher's ustr package.
package ustr

// Ustr is an immutable-by-convention path or name string.
type Ustr []uint8

// MkUstr returns an empty Ustr.
func MkUstr() Ustr { return Ustr{} }

// MkUstrRoot returns the Ustr for "/".
func MkUstrRoot() Ustr { return Ustr("/") }

// MkUstrDot returns the Ustr for ".".
func MkUstrDot() Ustr { return Ustr(".") }

// DotDot is a reusable Ustr containing "..".
var DotDot = Ustr{'.', '.'}

// Isdot reports whether us is exactly ".".
func (us Ustr) Isdot() bool {
	return len(us) == 1 && us[0] == '.'
}

// Isdotdot reports whether us is exactly "..".
func (us Ustr) Isdotdot() bool {
	return len(us) == 2 && us[0] == '.' && us[1] == '.'
}

// Eq reports whether us and s hold identical bytes.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// IsAbsolute reports whether us begins with '/'.
func (us Ustr) IsAbsolute() bool {
	return len(us) > 0 && us[0] == '/'
}

// Extend appends '/' + p and returns the new path. The receiver is
// never mutated.
func (us Ustr) Extend(p Ustr) Ustr {
	r := make(Ustr, 0, len(us)+1+len(p))
	r = append(r, us...)
	r = append(r, '/')
	r = append(r, p...)
	return r
}

// ExtendStr is Extend with a Go string component.
func (us Ustr) ExtendStr(p string) Ustr {
	return us.Extend(Ustr(p))
}

// String renders the Ustr as a Go string.
func (us Ustr) String() string {
	return string(us)
}

// Split breaks an absolute or relative path into its non-empty,
// non-"." components. Repeated slashes collapse; "." components are
// dropped, matching the lexical-cleanup step a real path resolver
// would apply before walking dirents.
func Split(p Ustr) []Ustr {
	var comps []Ustr
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		c := p[start:end]
		if len(c) > 0 && !c.Isdot() {
			comps = append(comps, c)
		}
		start = -1
	}
	for i, b := range p {
		if b == '/' {
			flush(i)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	flush(len(p))
	return comps
}
