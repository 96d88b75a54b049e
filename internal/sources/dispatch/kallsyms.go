// Package dispatch reads the kernel system-call dispatch table.
package dispatch

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/yairfalse/secmon/pkg/domain"
)

// Symbol is one resolved kallsyms entry. Size is the distance to the next
// higher symbol, or zero when no later symbol exists.
type Symbol struct {
	Name    string
	Address uint64
	Size    uint64
}

// ResolveSymbol finds name in a kallsyms listing. A zero address, which is
// what kptr_restrict produces for unprivileged readers, counts as unresolved.
func ResolveSymbol(r io.Reader, name string) (Symbol, error) {
	var (
		found     bool
		sym       = Symbol{Name: name}
		addresses []uint64
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		addresses = append(addresses, addr)
		if !found && fields[2] == name {
			sym.Address = addr
			found = true
		}
	}
	if err := sc.Err(); err != nil {
		return Symbol{}, fmt.Errorf("%w: reading kallsyms: %w", domain.ErrSourceUnavailable, err)
	}
	if !found {
		return Symbol{}, fmt.Errorf("%w: symbol %s not found in kallsyms", domain.ErrSourceUnavailable, name)
	}
	if sym.Address == 0 {
		return Symbol{}, fmt.Errorf("%w: symbol %s has a zero address (kptr_restrict?)", domain.ErrSourceUnavailable, name)
	}

	var next uint64
	for _, a := range addresses {
		if a > sym.Address && (next == 0 || a < next) {
			next = a
		}
	}
	if next != 0 {
		sym.Size = next - sym.Address
	}
	return sym, nil
}
