package dispatch

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/yairfalse/secmon/internal/observers/config"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap"
)

// entrySize is the width of one dispatch entry on 64-bit kernels
const entrySize = 8

// KernelTable reads the live table: the symbol address comes from kallsyms
// and the entries from the matching PT_LOAD segment of kcore.
type KernelTable struct {
	logger       *zap.Logger
	symbol       string
	kallsymsPath string
	kcorePath    string
}

func NewKernelTable(logger *zap.Logger, cfg *config.IntegrityConfig) *KernelTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KernelTable{
		logger:       logger.Named("dispatch"),
		symbol:       cfg.Symbol,
		kallsymsPath: cfg.KallsymsPath,
		kcorePath:    cfg.KcorePath,
	}
}

// ReadTable returns exactly length entries or an error wrapping
// domain.ErrSourceUnavailable. The symbol is resolved on every call so a
// moved table shows up as a new location.
func (k *KernelTable) ReadTable(ctx context.Context, length int) (*domain.TableSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sym, err := k.resolve()
	if err != nil {
		return nil, err
	}
	want := uint64(length) * entrySize
	if sym.Size != 0 && want > sym.Size {
		return nil, fmt.Errorf("%w: %d entries need %d bytes but %s spans only %d",
			domain.ErrSourceUnavailable, length, want, sym.Name, sym.Size)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(k.kcorePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
	}
	defer f.Close()

	buf, err := readKernelMemory(f, sym.Address, int(want))
	if err != nil {
		return nil, err
	}

	entries := make([]domain.DispatchEntry, length)
	for i := range entries {
		entries[i] = domain.DispatchEntry(binary.LittleEndian.Uint64(buf[i*entrySize:]))
	}

	k.logger.Debug("Read dispatch table",
		zap.String("symbol", sym.Name),
		zap.String("address", fmt.Sprintf("%#x", sym.Address)),
		zap.Int("entries", length))
	return &domain.TableSnapshot{Location: sym.Address, Entries: entries}, nil
}

func (k *KernelTable) resolve() (Symbol, error) {
	f, err := os.Open(k.kallsymsPath)
	if err != nil {
		return Symbol{}, fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
	}
	defer f.Close()
	return ResolveSymbol(f, k.symbol)
}

// readKernelMemory copies n bytes at virtual address addr out of an ELF core image.
func readKernelMemory(r io.ReaderAt, addr uint64, n int) ([]byte, error) {
	core, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing kcore: %w", domain.ErrSourceUnavailable, err)
	}
	defer core.Close()

	end := addr + uint64(n)
	for _, prog := range core.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if addr < prog.Vaddr || end > prog.Vaddr+prog.Filesz {
			continue
		}
		buf := make([]byte, n)
		read, err := prog.ReadAt(buf, int64(addr-prog.Vaddr))
		if err != nil && !(err == io.EOF && read == n) {
			return nil, fmt.Errorf("%w: reading %d bytes at %#x: %w", domain.ErrSourceUnavailable, n, addr, err)
		}
		if read != n {
			return nil, fmt.Errorf("%w: short read at %#x: %d of %d bytes", domain.ErrSourceUnavailable, addr, read, n)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("%w: no kcore segment maps %#x-%#x", domain.ErrSourceUnavailable, addr, end)
}
