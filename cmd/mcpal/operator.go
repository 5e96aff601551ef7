package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/yourusername/mcpal/internal/backup"
	"github.com/yourusername/mcpal/internal/console"
	"github.com/yourusername/mcpal/internal/logging"
	"github.com/yourusername/mcpal/internal/server"
)

const (
	defaultHistoryLines = 20
	defaultListRows     = 10
	listTimeFormat      = "2006-01-02 15:04:05"
)

type serverControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	SendCommand(text string) error
	Snapshot() server.StatusInfo
	Running() bool
	History(n int) []string
}

type backupRunner interface {
	Backup(ctx context.Context, trigger string) (*backup.BackupRecord, error)
}

// records are the persisted tables the operator can list. Any of them may be nil.
type records struct {
	commands *console.CommandHistory
	backups  *backup.RecordStore
	activity *logging.ActivityLogger
	runs     *server.RunStore
}

// operator reads supervisor commands from stdin. Unknown input goes to the server console.
type operator struct {
	ctl     serverControl
	backup  backupRunner
	records records
	out     io.Writer
}

func newOperator(ctl serverControl, runner backupRunner, recs records, out io.Writer) *operator {
	return &operator{ctl: ctl, backup: runner, records: recs, out: out}
}

func (o *operator) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if o.handle(ctx, scanner.Text()) {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// handle executes one line and reports whether the operator asked to quit
func (o *operator) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	fields := strings.Fields(line)

	switch strings.ToLower(fields[0]) {
	case "exit", "quit":
		o.say("Shutting down")
		return true
	case "start":
		o.report(o.ctl.Start(ctx), "Server started")
	case "stop":
		o.report(o.ctl.Stop(ctx), "Server stopped")
	case "restart":
		o.report(o.ctl.Restart(ctx), "Server restarted")
	case "backup":
		o.runBackup(ctx)
	case "status":
		o.printStatus()
	case "history":
		o.printHistory(fields[1:])
	case "commands":
		o.printCommands(fields[1:])
	case "backups":
		o.printBackups(fields[1:])
	case "activity":
		o.printActivity(fields[1:])
	case "runs":
		o.printRuns(fields[1:])
	default:
		if err := o.ctl.SendCommand(line); err != nil {
			o.fail(err)
		}
	}
	return false
}

func (o *operator) runBackup(ctx context.Context) {
	o.say("Starting backup")
	record, err := o.backup.Backup(ctx, backup.TriggerManual)
	if err != nil {
		o.fail(err)
		return
	}
	o.say(fmt.Sprintf("Backup completed: %s (%d files, %d bytes)", record.DestinationPath, record.FileCount, record.SizeBytes))
}

func (o *operator) printStatus() {
	info := o.ctl.Snapshot()
	o.say(fmt.Sprintf("Status: %s", info.State))
	if info.State == server.StateRunning {
		o.say(fmt.Sprintf("PID %d, run %s, up %s", info.PID, info.RunID, info.Uptime().Round(time.Second)))
		if !o.ctl.Running() {
			o.say("The server is shutting down")
		}
	}
	if info.Restarts > 0 {
		o.say(fmt.Sprintf("Automatic restarts: %d", info.Restarts))
	}
	if info.LastExit != "" {
		o.say(fmt.Sprintf("Last exit: %s", info.LastExit))
	}
}

// printHistory handles `history [n] [filter]`
func (o *operator) printHistory(args []string) {
	n, args := leadingCount(args, defaultHistoryLines)

	filter, err := console.ParseFilter(strings.Join(args, " "))
	if err != nil {
		o.fail(err)
		return
	}

	lines := filter.FilterLines(o.ctl.History(-1))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for _, line := range lines {
		fmt.Fprintln(o.out, line)
	}
}

// printCommands handles `commands [n] [query]`
func (o *operator) printCommands(args []string) {
	if o.records.commands == nil {
		o.say("Command history is not available")
		return
	}
	n, args := leadingCount(args, defaultListRows)

	var cmds []console.CommandRecord
	var err error
	if query := strings.Join(args, " "); query != "" {
		cmds, err = o.records.commands.Search(query, n)
	} else {
		cmds, err = o.records.commands.Recent(n)
	}
	if err != nil {
		o.fail(err)
		return
	}

	for _, cmd := range cmds {
		status := "ok"
		if !cmd.Success {
			status = "failed: " + cmd.ErrorMessage
		}
		fmt.Fprintf(o.out, "%s  %-10s %s (%s)\n", cmd.ExecutedAt.Format(listTimeFormat), cmd.Source, cmd.Command, status)
	}
}

// printBackups handles `backups [n]` and `backups <id>`
func (o *operator) printBackups(args []string) {
	if o.records.backups == nil {
		o.say("Backup records are not available")
		return
	}

	if len(args) > 0 {
		if _, err := strconv.Atoi(args[0]); err != nil {
			record, err := o.records.backups.Get(args[0])
			if err != nil {
				o.fail(err)
				return
			}
			o.printBackup(record)
			return
		}
	}

	n, _ := leadingCount(args, defaultListRows)
	list, err := o.records.backups.List(n)
	if err != nil {
		o.fail(err)
		return
	}
	if len(list) == 0 {
		o.say("No backups yet")
		return
	}
	for _, record := range list {
		fmt.Fprintf(o.out, "%s  %s  %-11s %-8s %s\n", record.ID, record.StartedAt.Format(listTimeFormat),
			record.Status, record.Trigger, record.DestinationPath)
	}
}

func (o *operator) printBackup(record *backup.BackupRecord) {
	fmt.Fprintf(o.out, "ID:          %s\n", record.ID)
	fmt.Fprintf(o.out, "Destination: %s\n", record.DestinationPath)
	fmt.Fprintf(o.out, "Status:      %s (%s)\n", record.Status, record.Trigger)
	fmt.Fprintf(o.out, "Started:     %s\n", record.StartedAt.Format(listTimeFormat))
	if !record.FinishedAt.IsZero() {
		fmt.Fprintf(o.out, "Finished:    %s\n", record.FinishedAt.Format(listTimeFormat))
	}
	fmt.Fprintf(o.out, "Files:       %d (%d bytes)\n", record.FileCount, record.SizeBytes)
	if record.ArchiveName != "" {
		fmt.Fprintf(o.out, "Archive:     %s\n", record.ArchiveName)
	}
	if record.ErrorMessage != "" {
		fmt.Fprintf(o.out, "Error:       %s\n", record.ErrorMessage)
	}
}

// printActivity handles `activity [n] [type]`
func (o *operator) printActivity(args []string) {
	if o.records.activity == nil {
		o.say("Activity log is not available")
		return
	}
	n, args := leadingCount(args, defaultListRows)
	activityType := ""
	if len(args) > 0 {
		activityType = args[0]
	}

	activities, err := o.records.activity.GetActivities(activityType, time.Time{}, n)
	if err != nil {
		o.fail(err)
		return
	}
	for _, activity := range activities {
		line := fmt.Sprintf("%s  %-20s %s", activity.Timestamp.Format(listTimeFormat), activity.ActivityType, activity.Description)
		if activity.ErrorMessage != "" {
			line += " (" + activity.ErrorMessage + ")"
		}
		fmt.Fprintln(o.out, line)
	}
}

// printRuns handles `runs [n]`
func (o *operator) printRuns(args []string) {
	n, _ := leadingCount(args, defaultListRows)
	runs, err := o.records.runs.Recent(n)
	if err != nil {
		o.fail(err)
		return
	}
	for _, run := range runs {
		end := "running"
		if !run.Active() {
			end = run.StoppedAt.Format(listTimeFormat) + " " + run.ExitReason
		}
		fmt.Fprintf(o.out, "%s  pid %-7d %s -> %s\n", run.ID, run.PID, run.StartedAt.Format(listTimeFormat), end)
	}
}

// leadingCount takes an optional positive count off the front of args
func leadingCount(args []string, def int) (int, []string) {
	if len(args) > 0 {
		if parsed, err := strconv.Atoi(args[0]); err == nil && parsed > 0 {
			return parsed, args[1:]
		}
	}
	return def, args
}

func (o *operator) report(err error, success string) {
	if err != nil {
		o.fail(err)
		return
	}
	o.say(success)
}

func (o *operator) fail(err error) {
	log.Printf("[Operator] %v", err)
	msg := err.Error()
	if !strings.HasPrefix(msg, server.MessagePrefix) {
		msg = server.MessagePrefix + msg
	}
	fmt.Fprintln(o.out, msg)
}

func (o *operator) say(msg string) {
	fmt.Fprintln(o.out, server.MessagePrefix+msg)
}
