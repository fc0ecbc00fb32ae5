package debugdraw

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"multiplayer/internal/netentity"
	"multiplayer/internal/replication"
)

func TestCanvasProjectsWorldCoordinates(t *testing.T) {
	c := NewCanvas(200, 200, replication.Bounds{MinX: 100, MinY: 100, MaxX: 200, MaxY: 200})
	c.Circle(150, 150, 10, true, color.RGBA{255, 0, 0, 255})

	r, g, b, _ := c.Image().At(100, 100).RGBA()
	if r>>8 < 200 || g>>8 > 50 || b>>8 > 50 {
		t.Errorf("centre pixel = (%d, %d, %d), want red", r>>8, g>>8, b>>8)
	}
	r, _, _, _ = c.Image().At(5, 5).RGBA()
	if r>>8 > 100 {
		t.Errorf("corner pixel painted: r=%d", r>>8)
	}
}

func TestViewAround(t *testing.T) {
	v := ViewAround(500, 400, 100)
	if !v.Contains(500, 400) || !v.Contains(401, 301) || v.Contains(380, 400) {
		t.Errorf("view = %+v", v)
	}
	if v := ViewAround(0, 0, 0); v.MaxX <= v.MinX {
		t.Errorf("zero radius gave empty view %+v", v)
	}
}

func TestRenderWindow(t *testing.T) {
	m := netentity.NewManager()
	own := m.CreateEntity("me", netentity.Authority, 50, 50)
	m.SetOwner(own, 1)
	m.ActivateControllers(own)
	other := m.CreateEntity("beacon", netentity.Authority, 900, 900)
	m.SetAlwaysRelevant(other, true)
	m.ActivateControllers(other)

	d := replication.NewGlobalEntityDomain(m)
	defer d.Close()
	d.ActivateTracking(m.OwnedBy(1))
	w := replication.NewServerToClientReplicationWindow(1, m, d, nil, replication.DefaultWindowConfig())
	w.UpdateWindow()

	var buf bytes.Buffer
	if err := RenderWindow(w, ViewAround(50, 50, 500), 128, &buf); err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 128 || b.Dy() != 128 {
		t.Errorf("size = %v", b)
	}
}
