package blockpool

import "testing"

func TestNewRejectsTooFewBlocks(t *testing.T) {
	if _, err := New(4, 64, 1); err == nil {
		t.Fatal("expected error for insufficient block count")
	}
}

func TestNewAllocatesDistinctBuffers(t *testing.T) {
	p, err := New(16, 64, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if p.Len() != 16 || p.BlockSize() != 64 {
		t.Fatalf("got len=%d size=%d, want len=16 size=64", p.Len(), p.BlockSize())
	}
	p.blocks[0][0] = 0xFF
	if p.blocks[1][0] == 0xFF {
		t.Fatal("blocks alias each other")
	}
}

func TestScratchIsDisjointAcrossIndices(t *testing.T) {
	p, err := New(16, 64, 2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s0, err := p.Scratch(0)
	if err != nil {
		t.Fatalf("scratch 0: %v", err)
	}
	s1, err := p.Scratch(1)
	if err != nil {
		t.Fatalf("scratch 1: %v", err)
	}
	s0[0][0] = 0xAB
	if s1[0][0] == 0xAB {
		t.Fatal("scratch slots 0 and 1 alias")
	}
}

func TestDivideBlocksPartitionIsDisjoint(t *testing.T) {
	p, err := New(64, 64, 2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cb, err := p.DivideBlocks(4, 2)
	if err != nil {
		t.Fatalf("divide blocks: %v", err)
	}

	seen := make(map[*byte]bool)
	markAll := func(name string, blocks Blocks) {
		for _, b := range blocks {
			ptr := &b[0]
			if seen[ptr] {
				t.Fatalf("%s shares a block with an earlier region", name)
			}
			seen[ptr] = true
		}
	}

	markAll("input_index", cb.InputIndexBlocks)
	for half := 0; half < 2; half++ {
		markAll("input_data_a", cb.InputDataBlocks[half][0])
		markAll("input_data_b", cb.InputDataBlocks[half][1])
		markAll("output_data", cb.OutputDataBlocks[half])
	}
}

func TestScratchRejectsWhenNoneReserved(t *testing.T) {
	p, err := New(8, 64, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := p.Scratch(0); err == nil {
		t.Fatal("expected error when no scratch blocks were reserved")
	}
}
