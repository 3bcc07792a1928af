// Package main — cmd/orchestractl/main.go
//
// orchestractl is a thin HTTP client for the orchestratord Admin/Ops API,
// following the teacher's cmd-binary convention of `flag` over a
// subcommand framework.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	addr := flag.NewFlagSet("global", flag.ContinueOnError)
	server := addr.String("server", "http://127.0.0.1:8080", "orchestratord base URL")

	cmd := os.Args[1]
	rest := os.Args[2:]

	switch cmd {
	case "submit":
		runSubmit(server, addr, rest)
	case "status":
		runStatus(server, addr, rest)
	case "cancel":
		runCancel(server, addr, rest)
	case "logs":
		runLogs(server, addr, rest)
	case "jobs":
		runJobs(server, addr, rest)
	case "orchestrate":
		runOrchestrate(server, addr, rest)
	case "report":
		runReport(server, addr, rest)
	case "policy":
		runPolicy(server, addr, rest)
	case "routing":
		runRouting(server, addr, rest)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `orchestractl <command> [flags]

Commands:
  submit      -kind <kind> -dataset <name>       submit a single job
  status      <job_id>                           get job status
  cancel      <job_id>                           cancel a running job (a queued job is refused with 409)
  logs        <job_id>                            fetch job log tail
  jobs                                            list recent jobs
  orchestrate -kind <kind> -dataset <name> ...    plan or commit an orchestrate run
  report      <run_id>                            fetch an orchestrate run's report
  policy      -mode <aimd|pid>                    set the controller policy
  routing     -mode <rules|cost> [-manual <backend>] [-enabled]   set routing flags`)
}

func client() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func doRequest(method, url string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return client().Do(req)
}

func printResponse(resp *http.Response) {
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := io.Copy(&out, resp.Body); err != nil {
		fmt.Fprintf(os.Stderr, "error reading response: %v\n", err)
		os.Exit(1)
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, out.Bytes(), "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(out.String())
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func runSubmit(server *string, fs *flag.FlagSet, args []string) {
	kind := fs.String("kind", "", "job kind")
	dataset := fs.String("dataset", "", "dataset name")
	fs.Parse(args) //nolint:errcheck

	resp, err := doRequest(http.MethodPost, *server+"/experiment/run", map[string]string{
		"kind": *kind, "dataset_name": *dataset,
	})
	fatalIf(err)
	printResponse(resp)
}

func runStatus(server *string, fs *flag.FlagSet, args []string) {
	fs.Parse(args) //nolint:errcheck
	jobID := requirePositional(fs)
	resp, err := doRequest(http.MethodGet, *server+"/experiment/status/"+jobID, nil)
	fatalIf(err)
	printResponse(resp)
}

func runCancel(server *string, fs *flag.FlagSet, args []string) {
	fs.Parse(args) //nolint:errcheck
	jobID := requirePositional(fs)
	resp, err := doRequest(http.MethodPost, *server+"/experiment/cancel/"+jobID, nil)
	fatalIf(err)
	printResponse(resp)
}

func runLogs(server *string, fs *flag.FlagSet, args []string) {
	fs.Parse(args) //nolint:errcheck
	jobID := requirePositional(fs)
	resp, err := doRequest(http.MethodGet, *server+"/experiment/logs/"+jobID, nil)
	fatalIf(err)
	printResponse(resp)
}

func runJobs(server *string, fs *flag.FlagSet, args []string) {
	fs.Parse(args) //nolint:errcheck
	resp, err := doRequest(http.MethodGet, *server+"/experiment/jobs", nil)
	fatalIf(err)
	printResponse(resp)
}

func runOrchestrate(server *string, fs *flag.FlagSet, args []string) {
	kind := fs.String("kind", "", "orchestrate kind")
	dataset := fs.String("dataset", "", "dataset name")
	qps := fs.Float64("qps", 50, "queries per second")
	concurrency := fs.Int64("concurrency", 8, "concurrency cap")
	windowSec := fs.Int("window", 60, "phase window, seconds")
	rounds := fs.Int("rounds", 1, "number of A/B rounds")
	commit := fs.Bool("commit", false, "commit the run instead of a dry-run plan")
	seed := fs.Int64("seed", 1, "rng seed")
	fs.Parse(args) //nolint:errcheck

	url := *server + "/orchestrate/run"
	if *commit {
		url += "?commit=true"
	}
	resp, err := doRequest(http.MethodPost, url, map[string]any{
		"kind": *kind, "dataset_name": *dataset, "seed": *seed,
		"topk_mix": map[string]float64{"10": 0.7, "32": 0.2, "64": 0.1},
		"qps": *qps, "concurrency_cap": *concurrency,
		"window_sec": *windowSec, "rounds": *rounds,
	})
	fatalIf(err)
	printResponse(resp)
}

func runReport(server *string, fs *flag.FlagSet, args []string) {
	fs.Parse(args) //nolint:errcheck
	runID := requirePositional(fs)
	resp, err := doRequest(http.MethodGet, fmt.Sprintf("%s/orchestrate/report?run_id=%s", *server, runID), nil)
	fatalIf(err)
	printResponse(resp)
}

func runPolicy(server *string, fs *flag.FlagSet, args []string) {
	mode := fs.String("mode", "", "controller policy: aimd or pid")
	fs.Parse(args) //nolint:errcheck
	resp, err := doRequest(http.MethodPost, *server+"/ops/control/policy", map[string]string{"policy": *mode})
	fatalIf(err)
	printResponse(resp)
}

func runRouting(server *string, fs *flag.FlagSet, args []string) {
	mode := fs.String("mode", "", "routing policy: rules or cost")
	manual := fs.String("manual", "", "manual backend override: faiss or qdrant")
	enabled := fs.Bool("enabled", true, "whether routing is enabled")
	fs.Parse(args) //nolint:errcheck
	resp, err := doRequest(http.MethodPost, *server+"/ops/routing/flags", map[string]any{
		"mode": *mode, "manual_backend": *manual, "enabled": *enabled,
	})
	fatalIf(err)
	printResponse(resp)
}

func requirePositional(fs *flag.FlagSet) string {
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "missing required positional argument")
		os.Exit(2)
	}
	return fs.Arg(0)
}

func fatalIf(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
