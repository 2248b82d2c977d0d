package sfu

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

func waitForSeqs(t *testing.T, sink *captureSink, want int) []uint16 {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := sink.snapshot(); len(got) >= want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d forwarded packets, have %v", want, sink.snapshot())
	return nil
}

func TestBindUDPPairAdjacent(t *testing.T) {
	rtpConn, rtcpConn, port, err := bindUDPPair(42000, 42020)
	if err != nil {
		t.Fatalf("bindUDPPair: %v", err)
	}
	defer rtpConn.Close()
	defer rtcpConn.Close()

	if port < 42000 || port+1 > 42020 {
		t.Fatalf("pair %d/%d outside range", port, port+1)
	}
	if got := rtpConn.LocalAddr().(*net.UDPAddr).Port; got != port {
		t.Fatalf("rtp bound to %d, want %d", got, port)
	}
	if got := rtcpConn.LocalAddr().(*net.UDPAddr).Port; got != port+1 {
		t.Fatalf("rtcp bound to %d, want %d", got, port+1)
	}
}

func TestPlainTransportForwardsToExternalPort(t *testing.T) {
	const offset = 53
	tr, err := newPlainTransport("t1", "output:1:pgm", 42100, 42140, offset, zerolog.Nop())
	if err != nil {
		t.Fatalf("newPlainTransport: %v", err)
	}
	defer tr.Close()

	info := tr.Info()
	if info.RTPPort != tr.localPort+offset {
		t.Fatalf("external rtp port = %d, want local %d + %d", info.RTPPort, tr.localPort, offset)
	}
	if info.RTCPPort != info.RTPPort+1 {
		t.Fatalf("rtcp port = %d, want %d", info.RTCPPort, info.RTPPort+1)
	}

	// Stand in for the encoder process listening on the external port.
	enc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: info.RTPPort})
	if err != nil {
		t.Fatalf("listen on external port: %v", err)
	}
	defer enc.Close()

	prod := newProducer("prod-1", "host", ProducerAppData{BusType: "pgm", IsBusOutput: true}, nil, zerolog.Nop())
	defer prod.Close()

	res, err := tr.consume(prod)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.ProducerID != "prod-1" || res.PayloadType != opusPayloadType || res.RTPPort != info.RTPPort {
		t.Fatalf("unexpected consume result: %+v", res)
	}
	if _, err := tr.consume(prod); err == nil {
		t.Fatal("second consume on the same transport should fail")
	}

	prod.forward(testPacket(7))

	enc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, _, err := enc.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("encoder read: %v", err)
	}
	var got rtp.Packet
	if err := got.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal forwarded packet: %v", err)
	}
	if got.SequenceNumber != 7 || got.PayloadType != opusPayloadType {
		t.Fatalf("forwarded packet = seq %d pt %d", got.SequenceNumber, got.PayloadType)
	}

	// Close detaches the sink; further forwards must not error or send.
	if err := tr.Close(); err != nil {
		t.Fatalf("close transport: %v", err)
	}
	prod.forward(testPacket(8))
	enc.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := enc.ReadFromUDP(buf); err == nil {
		t.Fatal("packet forwarded after transport close")
	}
}

func TestPlainTransportReplacedByOrchestrator(t *testing.T) {
	o := newTestOrchestrator(t, 1)
	o.GetOrCreateRoom("room-1")

	if _, err := o.CreatePlainTransport("room-1", "output:1:pgm"); err != nil {
		t.Fatalf("CreatePlainTransport: %v", err)
	}
	// Recreating the same key replaces the transport.
	info, err := o.CreatePlainTransport("room-1", "output:1:pgm")
	if err != nil {
		t.Fatalf("recreate CreatePlainTransport: %v", err)
	}
	if info.RTPPort != info.LocalPort+500 {
		t.Fatalf("external port %d, want local %d + 500", info.RTPPort, info.LocalPort)
	}

	if err := o.ClosePlainTransport("room-1", "output:1:pgm"); err != nil {
		t.Fatalf("ClosePlainTransport: %v", err)
	}
	if err := o.ClosePlainTransport("room-1", "output:1:pgm"); !errors.Is(err, ErrTransportNotFound) {
		t.Fatalf("expected ErrTransportNotFound, got %v", err)
	}
}

func TestIngestTransportLocksFirstSource(t *testing.T) {
	tr, err := newIngestTransport("t1", "src-1", 42200, 42240, zerolog.Nop())
	if err != nil {
		t.Fatalf("newIngestTransport: %v", err)
	}
	defer tr.Close()

	prod := newProducer("prod-1", "source:src-1", ProducerAppData{Source: "src-1"}, nil, zerolog.Nop())
	defer prod.Close()
	sink := &captureSink{id: "capture"}
	prod.attachSink(sink)
	tr.setProducer(prod)

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: tr.Info().Port}
	a, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		t.Fatalf("dial source a: %v", err)
	}
	defer a.Close()
	b, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		t.Fatalf("dial source b: %v", err)
	}
	defer b.Close()

	send := func(conn *net.UDPConn, seq uint16, pt uint8) {
		t.Helper()
		pkt := testPacket(seq)
		pkt.PayloadType = pt
		buf, err := pkt.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if _, err := conn.Write(buf); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	// First packet locks the source.
	send(a, 1, opusPayloadType)
	waitForSeqs(t, sink, 1)

	// Wrong payload type is dropped; a competitor inside the stale window is
	// ignored.
	send(a, 2, 96)
	send(b, 3, opusPayloadType)
	send(a, 4, opusPayloadType)
	got := waitForSeqs(t, sink, 2)
	if got[0] != 1 || got[1] != 4 {
		t.Fatalf("forwarded seqs = %v, want [1 4]", got)
	}

	// Once the lock goes stale the new source takes over.
	time.Sleep(sourceStaleAfter + 50*time.Millisecond)
	send(b, 5, opusPayloadType)
	got = waitForSeqs(t, sink, 3)
	if got[2] != 5 {
		t.Fatalf("after stale switch, forwarded seqs = %v, want last 5", got)
	}
}

func TestIngestTransportDropsUntilProducerSet(t *testing.T) {
	tr, err := newIngestTransport("t1", "src-1", 42250, 42290, zerolog.Nop())
	if err != nil {
		t.Fatalf("newIngestTransport: %v", err)
	}
	defer tr.Close()

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: tr.Info().Port}
	conn, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	buf, err := testPacket(1).Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	// No producer yet: the packet is consumed without a crash and without
	// being delivered anywhere.
	time.Sleep(50 * time.Millisecond)

	prod := newProducer("prod-1", "source:src-1", ProducerAppData{Source: "src-1"}, nil, zerolog.Nop())
	defer prod.Close()
	sink := &captureSink{id: "capture"}
	prod.attachSink(sink)
	tr.setProducer(prod)

	buf2, err := testPacket(2).Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(buf2); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := waitForSeqs(t, sink, 1)
	if got[0] != 2 {
		t.Fatalf("forwarded seqs = %v, want [2]", got)
	}
}
