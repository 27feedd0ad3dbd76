package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"airbnb-pipeline/models"
	"airbnb-pipeline/services"
	"airbnb-pipeline/storage"
)

func (a *app) artifacts(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("artifacts: missing subcommand (list, promote, describe)")
	}

	var want int
	switch args[0] {
	case "list", "describe":
		want = 1
	case "promote":
		want = 2
	default:
		return usageError("artifacts: unknown subcommand %q (list, promote, describe)", args[0])
	}
	if len(args)-1 != want {
		return usageError("artifacts %s: expected %d argument(s), got %d", args[0], want, len(args)-1)
	}

	tracker, err := a.openTracker(ctx)
	if err != nil {
		return err
	}
	defer tracker.Close()

	switch args[0] {
	case "list":
		ref, err := models.ParseArtifactRef(args[1], a.cfg.Project)
		if err != nil {
			return &ExitError{Code: 2, Message: err.Error()}
		}
		versions, err := tracker.Versions(ctx, ref.Project, ref.Name)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			return fmt.Errorf("no versions of %s/%s", ref.Project, ref.Name)
		}
		a.printVersions(versions)
		return nil

	case "promote":
		v, err := tracker.Promote(ctx, args[1], a.cfg.Project, args[2])
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "%s → %s\n", args[2], v.Ref())
		return nil

	default:
		v, path, err := tracker.Resolve(ctx, args[1], a.cfg.Project)
		if err != nil {
			return err
		}
		a.printVersion(v)

		if run, err := tracker.GetRun(ctx, v.RunID); err == nil {
			fmt.Fprintf(a.stdout, "Produced by: %s (%s, %s)\n", run.ID, run.JobType, run.Status)
		} else if !storage.IsNotFound(err) {
			return err
		}
		users, err := tracker.Lineage(ctx, v)
		if err != nil {
			return err
		}
		if len(users) > 0 {
			fmt.Fprintf(a.stdout, "Used by:     %s\n", strings.Join(users, ", "))
		}

		if strings.HasSuffix(v.Name, ".csv") {
			t, err := storage.ReadCSV(path)
			if err != nil {
				return err
			}
			insights := services.NewInsightService(a.logger)
			insights.Print(a.stdout, v.Ref(), insights.Summarize(t))
		}
		return nil
	}
}

func (a *app) printVersions(versions []*models.ArtifactVersion) {
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tTYPE\tSIZE\tCREATED\tRUN\tALIASES")
	for _, v := range versions {
		fmt.Fprintf(tw, "v%d\t%s\t%d\t%s\t%s\t%s\n",
			v.Version, v.Type, v.Size, v.CreatedAt.Format(time.RFC3339), v.RunID, aliasList(v))
	}
	tw.Flush()
}

func (a *app) printVersion(v *models.ArtifactVersion) {
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "Artifact:\t%s\n", v.Ref())
	fmt.Fprintf(tw, "Type:\t%s\n", v.Type)
	fmt.Fprintf(tw, "Description:\t%s\n", v.Description)
	fmt.Fprintf(tw, "Digest:\t%s\n", v.Digest)
	fmt.Fprintf(tw, "Size:\t%d bytes\n", v.Size)
	fmt.Fprintf(tw, "Created:\t%s\n", v.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Aliases:\t%s\n", aliasList(v))
	tw.Flush()
}

func aliasList(v *models.ArtifactVersion) string {
	if len(v.Aliases) == 0 {
		return "-"
	}
	aliases := append([]string(nil), v.Aliases...)
	sort.Strings(aliases)
	return strings.Join(aliases, ",")
}
