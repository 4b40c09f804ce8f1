// Command termserver is the bundled terminal-server executable the
// Process Supervisor spawns for every terminal tab. It serves one PTY
// session per WebSocket connection, matching the out-of-process terminal
// model the orchestration core requires — the core never embeds a
// terminal emulator itself.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
)

func main() {
	port := flag.Int("port", 0, "TCP port to listen on")
	bind := flag.String("bind", "127.0.0.1", "bind address")
	writable := flag.Bool("writable", true, "allow client input to reach the PTY")
	initialCommand := flag.String("initial-command", "", "shell command to run once a client attaches")
	flag.Parse()

	if *port == 0 {
		log.Fatal("termserver: --port is required")
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("termserver: upgrade failed: %v", err)
			return
		}
		serveSession(conn, *writable, *initialCommand)
	})

	addr := *bind + ":" + strconv.Itoa(*port)
	log.Printf("termserver: listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("termserver: %v", err)
	}
}

// session is a PTY-backed shell bridged with a single WebSocket connection.
// Adapted from the core's own local-bash-PTY bridge, generalized to accept
// an initial command (the AI-tool launch line, with or without a resume
// flag) before handing control to an interactive shell.
type session struct {
	cmd  *exec.Cmd
	ptmx *os.File
	conn *websocket.Conn
	mu   sync.Mutex
}

func serveSession(conn *websocket.Conn, writable bool, initialCommand string) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}

	var cmd *exec.Cmd
	if initialCommand != "" {
		cmd = exec.Command(shell, "-c", initialCommand)
	} else {
		cmd = exec.Command(shell)
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		log.Printf("termserver: pty.Start: %v", err)
		_ = conn.Close()
		return
	}

	s := &session{cmd: cmd, ptmx: ptmx, conn: conn}
	defer s.close()

	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if err != nil {
				return
			}
			s.mu.Lock()
			writeErr := conn.WriteMessage(websocket.BinaryMessage, buf[:n])
			s.mu.Unlock()
			if writeErr != nil {
				return
			}
		}
	}()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if !writable {
			continue
		}
		if msgType == websocket.TextMessage && isResizeControl(msg) {
			if rows, cols, ok := parseResize(msg); ok {
				_ = pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
			}
			continue
		}
		_, _ = ptmx.Write(msg)
	}

	<-done
}

func (s *session) close() {
	_ = s.conn.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.ptmx.Close()
	_ = s.cmd.Wait()
}

// isResizeControl/parseResize recognize a tiny text control protocol
// ("RESIZE rows cols") the UI's webview sends out-of-band from raw PTY
// bytes, which always arrive as binary messages.
func isResizeControl(msg []byte) bool {
	return len(msg) > 7 && string(msg[:7]) == "RESIZE "
}

func parseResize(msg []byte) (rows, cols uint16, ok bool) {
	var r, c int
	n, err := fmt.Sscanf(string(msg[7:]), "%d %d", &r, &c)
	if err != nil || n != 2 {
		return 0, 0, false
	}
	return uint16(r), uint16(c), true
}
