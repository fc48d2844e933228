package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/icws/gateway/internal/envelope"
	"github.com/icws/gateway/internal/wsconn"
)

var (
	host        = flag.String("host", "localhost", "Target gateway host")
	port        = flag.Int("port", 8080, "Target gateway port")
	connections = flag.Int("connections", 100, "Number of concurrent client connections")
	duration    = flag.Duration("duration", 30*time.Second, "Test duration")
	rate        = flag.Float64("rate", 10.0, "Messages per second per connection")
	backend     = flag.String("backend", "rwlgt-iiaaa-aaaaa-aaaaa-cai", "Backend canister principal to register against")
	messageSize = flag.Int("message-size", 64, "Relayed envelope content size in bytes")
	timeout     = flag.Duration("timeout", 5*time.Second, "Connection and handshake timeout")
	verbose     = flag.Bool("verbose", false, "Verbose output")
)

type Stats struct {
	TotalConnections int64
	SuccessfulConns  int64
	FailedConns      int64
	TotalMessages    int64
	SuccessfulMsgs   int64
	FailedMsgs       int64
	TotalBytes       int64
	MinLatency       int64 // nanoseconds, as int64 for atomic ops
	MaxLatency       int64
	TotalLatency     int64
	LatencyCount     int64
	ConnErrors       int64
	WriteErrors      int64
	PushesReceived   int64
}

var stats Stats

func main() {
	flag.Parse()

	fmt.Printf("=== IC Gateway Load Test ===\n")
	fmt.Printf("Target: %s:%d\n", *host, *port)
	fmt.Printf("Connections: %d\n", *connections)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Rate: %.2f msg/s per connection\n", *rate)
	fmt.Printf("Backend: %s\n\n", *backend)

	deadline := time.Now().Add(*duration)

	statsDone := make(chan struct{})
	stop := make(chan struct{})
	go reportStats(stop, statsDone)

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, *connections)

	startTime := time.Now()
	for time.Now().Before(deadline) {
		select {
		case semaphore <- struct{}{}:
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-semaphore }()
				runConnection(deadline)
			}()
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	wg.Wait()
	elapsed := time.Since(startTime)

	close(stop)
	<-statsDone
	printFinalReport(elapsed)
}

// runConnection dials the gateway, completes the WebSocket upgrade and the
// gateway's registration handshake, then relays synthetic envelopes at the
// configured rate until deadline, counting any pushed messages it receives.
func runConnection(deadline time.Time) {
	atomic.AddInt64(&stats.TotalConnections, 1)

	addr := fmt.Sprintf("%s:%d", *host, *port)
	conn, err := net.DialTimeout("tcp", addr, *timeout)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		atomic.AddInt64(&stats.ConnErrors, 1)
		if *verbose {
			fmt.Printf("connection failed: %v\n", err)
		}
		return
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if err := upgrade(conn, reader, addr); err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		atomic.AddInt64(&stats.ConnErrors, 1)
		if *verbose {
			fmt.Printf("websocket upgrade failed: %v\n", err)
		}
		return
	}

	ws := wsconn.New(conn, reader, 1<<20)

	var clientKey envelope.ClientKey
	if _, err := rand.Read(clientKey[:]); err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		return
	}

	if err := ws.SetReadDeadline(time.Now().Add(*timeout)); err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		return
	}
	msgType, payload, err := ws.ReadMessage()
	if err != nil || msgType != wsconn.BinaryMessage {
		atomic.AddInt64(&stats.FailedConns, 1)
		atomic.AddInt64(&stats.ConnErrors, 1)
		if *verbose {
			fmt.Printf("reading gateway handshake failed: %v\n", err)
		}
		return
	}
	var hello envelope.GatewayHandshakeMessage
	if err := envelope.Unmarshal(payload, &hello); err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		return
	}

	regContent, err := envelope.Marshal(envelope.RegistrationContent{
		ClientKey:  clientKey,
		CanisterID: envelope.BackendID(*backend),
	})
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		return
	}
	reg := envelope.RegistrationEnvelope{Content: regContent, Sig: make([]byte, 64)}
	data, err := envelope.Marshal(reg)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		return
	}
	if err := ws.WriteMessage(wsconn.BinaryMessage, data); err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		atomic.AddInt64(&stats.WriteErrors, 1)
		return
	}
	if err := ws.SetReadDeadline(time.Time{}); err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		return
	}

	atomic.AddInt64(&stats.SuccessfulConns, 1)

	go drainPushes(ws)

	interval := time.Duration(float64(time.Second) / *rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for time.Now().Before(deadline) {
		<-ticker.C
		seq++
		if err := sendMessage(ws, clientKey, seq); err != nil {
			if *verbose {
				fmt.Printf("send message failed: %v\n", err)
			}
			return
		}
	}
}

// upgrade performs a minimal RFC 6455 client handshake over conn.
func upgrade(conn net.Conn, reader *bufio.Reader, host string) error {
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return err
	}
	wsKey := base64.StdEncoding.EncodeToString(keyBytes)

	req := "GET / HTTP/1.1\r\n" +
		"Host: " + host + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + wsKey + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"

	if err := conn.SetDeadline(time.Now().Add(*timeout)); err != nil {
		return err
	}
	if _, err := conn.Write([]byte(req)); err != nil {
		return err
	}

	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("unexpected upgrade status %d", resp.StatusCode)
	}
	return conn.SetDeadline(time.Time{})
}

func sendMessage(ws *wsconn.Conn, clientKey envelope.ClientKey, seq uint64) error {
	start := time.Now()

	content, err := envelope.Marshal(envelope.RelayedContent{
		ClientKey:   clientKey,
		SequenceNum: seq,
		TimestampNs: uint64(start.UnixNano()),
		Message:     make([]byte, *messageSize),
	})
	if err != nil {
		atomic.AddInt64(&stats.FailedMsgs, 1)
		return err
	}

	relayed := envelope.RelayedEnvelope{
		Content: content,
		Sig:     make([]byte, 64),
	}

	data, err := envelope.Marshal(relayed)
	if err != nil {
		atomic.AddInt64(&stats.FailedMsgs, 1)
		return err
	}

	atomic.AddInt64(&stats.TotalMessages, 1)
	if err := ws.WriteMessage(wsconn.BinaryMessage, data); err != nil {
		atomic.AddInt64(&stats.WriteErrors, 1)
		atomic.AddInt64(&stats.FailedMsgs, 1)
		return err
	}

	atomic.AddInt64(&stats.TotalBytes, int64(len(data)))
	atomic.AddInt64(&stats.SuccessfulMsgs, 1)

	latency := time.Since(start)
	recordLatency(latency)
	return nil
}

// drainPushes reads backend-pushed OutboundMessages until the connection
// closes, counting them. The gateway delivers these asynchronously, outside
// the request/response pattern sendMessage measures.
func drainPushes(ws *wsconn.Conn) {
	for {
		msgType, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != wsconn.BinaryMessage {
			continue
		}
		var out envelope.OutboundMessage
		if envelope.Unmarshal(payload, &out) == nil {
			atomic.AddInt64(&stats.PushesReceived, 1)
		}
	}
}

func recordLatency(latency time.Duration) {
	atomic.AddInt64(&stats.LatencyCount, 1)
	atomic.AddInt64(&stats.TotalLatency, int64(latency))

	for {
		oldMin := atomic.LoadInt64(&stats.MinLatency)
		if oldMin != 0 && int64(latency) >= oldMin {
			break
		}
		if atomic.CompareAndSwapInt64(&stats.MinLatency, oldMin, int64(latency)) {
			break
		}
	}

	for {
		oldMax := atomic.LoadInt64(&stats.MaxLatency)
		if int64(latency) <= oldMax {
			break
		}
		if atomic.CompareAndSwapInt64(&stats.MaxLatency, oldMax, int64(latency)) {
			break
		}
	}
}

func reportStats(stop <-chan struct{}, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			printStats()
		}
	}
}

func printStats() {
	totalConns := atomic.LoadInt64(&stats.TotalConnections)
	successConns := atomic.LoadInt64(&stats.SuccessfulConns)
	failedConns := atomic.LoadInt64(&stats.FailedConns)
	successMsgs := atomic.LoadInt64(&stats.SuccessfulMsgs)
	failedMsgs := atomic.LoadInt64(&stats.FailedMsgs)
	pushes := atomic.LoadInt64(&stats.PushesReceived)

	fmt.Printf("\r[Stats] Conns: %d/%d (failed: %d) | Msgs: %d (failed: %d) | Pushes: %d",
		successConns, totalConns, failedConns, successMsgs, failedMsgs, pushes)
}

func printFinalReport(elapsed time.Duration) {
	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	totalConns := atomic.LoadInt64(&stats.TotalConnections)
	successConns := atomic.LoadInt64(&stats.SuccessfulConns)
	failedConns := atomic.LoadInt64(&stats.FailedConns)
	successMsgs := atomic.LoadInt64(&stats.SuccessfulMsgs)
	failedMsgs := atomic.LoadInt64(&stats.FailedMsgs)
	totalBytes := atomic.LoadInt64(&stats.TotalBytes)
	latencyCount := atomic.LoadInt64(&stats.LatencyCount)
	totalMsgs := atomic.LoadInt64(&stats.TotalMessages)
	pushes := atomic.LoadInt64(&stats.PushesReceived)

	fmt.Printf("\n--- Connections ---\n")
	fmt.Printf("Total: %d\n", totalConns)
	if totalConns > 0 {
		fmt.Printf("Successful: %d (%.2f%%)\n", successConns, float64(successConns)/float64(totalConns)*100)
		fmt.Printf("Failed: %d (%.2f%%)\n", failedConns, float64(failedConns)/float64(totalConns)*100)
	}

	fmt.Printf("\n--- Messages ---\n")
	fmt.Printf("Total: %d\n", totalMsgs)
	if totalMsgs > 0 {
		fmt.Printf("Successful: %d (%.2f%%)\n", successMsgs, float64(successMsgs)/float64(totalMsgs)*100)
		fmt.Printf("Failed: %d (%.2f%%)\n", failedMsgs, float64(failedMsgs)/float64(totalMsgs)*100)
		fmt.Printf("Throughput: %.2f msg/s\n", float64(successMsgs)/elapsed.Seconds())
	}
	fmt.Printf("Backend pushes received: %d\n", pushes)

	fmt.Printf("\n--- Latency (relay write) ---\n")
	if latencyCount > 0 {
		minLatency := time.Duration(atomic.LoadInt64(&stats.MinLatency))
		maxLatency := time.Duration(atomic.LoadInt64(&stats.MaxLatency))
		avgLatency := time.Duration(atomic.LoadInt64(&stats.TotalLatency) / latencyCount)

		fmt.Printf("Min: %v\n", minLatency)
		fmt.Printf("Max: %v\n", maxLatency)
		fmt.Printf("Avg: %v\n", avgLatency)
	}

	fmt.Printf("\n--- Throughput ---\n")
	fmt.Printf("Total Bytes: %d (%.2f MB)\n", totalBytes, float64(totalBytes)/1024/1024)
	if elapsed.Seconds() > 0 {
		fmt.Printf("Throughput: %.2f MB/s\n", float64(totalBytes)/1024/1024/elapsed.Seconds())
	}

	fmt.Printf("\n--- Errors ---\n")
	fmt.Printf("Connection Errors: %d\n", atomic.LoadInt64(&stats.ConnErrors))
	fmt.Printf("Write Errors: %d\n", atomic.LoadInt64(&stats.WriteErrors))

	if totalConns > 0 && failedConns > totalConns/10 {
		fmt.Printf("\nTest failed: too many connection errors\n")
		os.Exit(1)
	}
	if totalMsgs > 0 && failedMsgs > totalMsgs/10 {
		fmt.Printf("\nTest failed: too many message errors\n")
		os.Exit(1)
	}
	fmt.Printf("\nTest completed successfully\n")
}
