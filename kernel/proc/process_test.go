package proc

import (
	"testing"

	"capos/kernel"
	"capos/kernel/mm"
	"capos/kernel/mm/pmm"
	"capos/kernel/mm/vmm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countedObject struct {
	refs      int
	destroyed bool
}

func (o *countedObject) Acquire() { o.refs++ }

func (o *countedObject) Release() {
	o.refs--
	if o.refs == 0 {
		o.destroyed = true
	}
}

type pendingTx struct {
	abandoned int
}

func (tx *pendingTx) Abandon() { tx.abandoned++ }

func TestRefObject(t *testing.T) {
	p := New(1, "init", nil, 4, 2)
	obj := &countedObject{}

	// handle 0 is never handed out automatically
	for exp := 1; exp < 4; exp++ {
		handle, err := p.RefObject(obj)
		require.NoError(t, err)
		assert.Equal(t, exp, handle)
	}
	assert.Equal(t, 3, obj.refs)

	_, err := p.RefObject(obj)
	assert.Equal(t, ErrObjectTableFull, err)
	assert.True(t, kernel.IsKind(err, kernel.KindResourceExhausted))
	assert.Equal(t, 3, obj.refs)

	require.NoError(t, p.RefObjectAt(ManagerHandle, obj))
	assert.Equal(t, ErrHandleInUse, p.RefObjectAt(ManagerHandle, obj))
	assert.Equal(t, ErrInvalidHandle, p.RefObjectAt(7, obj))
	assert.Equal(t, 4, p.ObjectCount())

	// freed handles are reused lowest first
	require.NoError(t, p.UnrefObject(2))
	handle, err := p.RefObject(obj)
	require.NoError(t, err)
	assert.Equal(t, 2, handle)

	got, err := p.Object(2)
	require.NoError(t, err)
	assert.Equal(t, obj, got)
}

func TestUnrefObject(t *testing.T) {
	p := New(1, "init", nil, 8, 2)
	obj := &countedObject{}

	h1, err := p.RefObject(obj)
	require.NoError(t, err)
	h2, err := p.RefObject(obj)
	require.NoError(t, err)

	specs := []struct {
		handle       int
		expErr       error
		expRefs      int
		expDestroyed bool
	}{
		{h1, nil, 1, false},
		{h1, ErrInvalidHandle, 1, false},
		{-1, ErrInvalidHandle, 1, false},
		{100, ErrInvalidHandle, 1, false},
		{h2, nil, 0, true},
	}

	for specIndex, spec := range specs {
		assert.Equal(t, spec.expErr, p.UnrefObject(spec.handle), "[spec %d]", specIndex)
		assert.Equal(t, spec.expRefs, obj.refs, "[spec %d]", specIndex)
		assert.Equal(t, spec.expDestroyed, obj.destroyed, "[spec %d]", specIndex)
	}

	_, err = p.Object(h2)
	assert.Equal(t, ErrInvalidHandle, err)
	assert.True(t, kernel.IsKind(err, kernel.KindNotFound))
}

func TestDupObjectRef(t *testing.T) {
	src := New(1, "src", nil, 4, 2)
	dst := New(2, "dst", nil, 2, 2)
	obj := &countedObject{}

	srcHandle, err := src.RefObject(obj)
	require.NoError(t, err)

	dstHandle, err := dst.DupObjectRef(src, srcHandle)
	require.NoError(t, err)
	assert.Equal(t, 1, dstHandle)
	assert.Equal(t, 2, obj.refs)

	_, err = dst.DupObjectRef(src, 3)
	assert.Equal(t, ErrInvalidHandle, err)

	_, err = dst.DupObjectRef(src, srcHandle)
	assert.Equal(t, ErrObjectTableFull, err)
	assert.Equal(t, 2, obj.refs)

	require.NoError(t, dst.DupObjectRefTo(ManagerHandle, src, srcHandle))
	assert.Equal(t, 3, obj.refs)
	assert.Equal(t, ErrHandleInUse, dst.DupObjectRefTo(ManagerHandle, src, srcHandle))
}

func TestMessageTokens(t *testing.T) {
	p := New(1, "srv", nil, 4, 2)
	tx1, tx2 := &pendingTx{}, &pendingTx{}

	tok1, err := p.RefMessage(tx1)
	require.NoError(t, err)
	assert.Equal(t, 1, tok1, "token 0 is reserved for events")

	tok2, err := p.RefMessage(tx2)
	require.NoError(t, err)
	assert.Equal(t, 2, tok2)

	_, err = p.RefMessage(&pendingTx{})
	assert.Equal(t, ErrMessageTableFull, err)

	got, err := p.Message(tok2)
	require.NoError(t, err)
	assert.Equal(t, tx2, got)

	_, err = p.Message(0)
	assert.Equal(t, ErrInvalidToken, err)

	require.NoError(t, p.UnrefMessage(tok1))
	assert.Equal(t, ErrInvalidToken, p.UnrefMessage(tok1))
	assert.Equal(t, 1, p.MessageCount())
}

func TestDestroy(t *testing.T) {
	alloc, err := pmm.NewAllocator(32 * mm.PageSize)
	require.NoError(t, err)
	master, err := vmm.NewKernelPageTable(alloc)
	require.NoError(t, err)
	freeFrames := alloc.FreeFrames()

	as, err := vmm.NewAddressSpace(alloc, master)
	require.NoError(t, err)
	area, err := vmm.NewPagesArea(alloc, 2*mm.PageSize)
	require.NoError(t, err)
	require.NoError(t, as.Map(area, 0x8000, 0, area.Size(), vmm.PermRW))

	p := New(3, "victim", as, 4, 4)
	obj, other := &countedObject{}, &countedObject{}
	require.NoError(t, p.RefObjectAt(ManagerHandle, other))
	_, err = p.RefObject(obj)
	require.NoError(t, err)
	_, err = p.RefObject(obj)
	require.NoError(t, err)

	tx := &pendingTx{}
	_, err = p.RefMessage(tx)
	require.NoError(t, err)

	require.NoError(t, p.Destroy())
	assert.True(t, p.Dead())
	assert.Equal(t, 1, tx.abandoned)
	assert.True(t, obj.destroyed)
	assert.True(t, other.destroyed)
	assert.Zero(t, p.ObjectCount())
	assert.Nil(t, p.AddressSpace())
	assert.Equal(t, freeFrames, alloc.FreeFrames())

	assert.Equal(t, ErrProcessDead, p.Destroy())
	_, err = p.RefObject(obj)
	assert.Equal(t, ErrProcessDead, err)
}
