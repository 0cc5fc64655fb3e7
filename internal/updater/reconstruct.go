package updater

import (
	"context"
	"fmt"
	"os"

	"github.com/velopack/velopack-sub005/internal/archive"
	"github.com/velopack/velopack-sub005/internal/catalog"
	"github.com/velopack/velopack-sub005/internal/delta"
	"github.com/velopack/velopack-sub005/internal/resolver"
)

// reconstruct builds the target tree in a fresh staging directory. A full
// plan extracts its package; a delta plan applies each step in order,
// starting from the current version's tree, which is never modified.
func (u *Updater) reconstruct(ctx context.Context, r *run, plan *resolver.UpdatePlan, paths []string) (string, error) {
	if !plan.IsDelta() {
		step := plan.Steps[0]
		out := u.store.StagingPath(step.Version)
		if err := archive.Extract(ctx, paths[0], out); err != nil {
			os.RemoveAll(out)
			return "", classify(fmt.Errorf("extract %s: %w", step.FileName, err), KindCorruptPackage)
		}
		if err := verifyTree(out, step.TreeHash); err != nil {
			os.RemoveAll(out)
			return "", &Error{Kind: KindCorruptPackage, Err: err}
		}
		r.prog.report(progressVerified)
		return out, nil
	}

	base, err := u.store.CurrentDir()
	if err != nil {
		return "", classify(err, KindInternal)
	}
	intermediate := ""
	cleanup := func() {
		if intermediate != "" {
			os.RemoveAll(intermediate)
		}
	}

	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			cleanup()
			return "", classify(err, KindCancelled)
		}
		pkg, err := delta.ReadFile(paths[i])
		if err != nil {
			cleanup()
			return "", classify(fmt.Errorf("read %s: %w", step.FileName, err), KindPatchApply)
		}
		if !versionMatches(pkg.FromVersion, step.BaseVersion) || !versionMatches(pkg.ToVersion, step.Version) {
			cleanup()
			return "", &Error{Kind: KindPatchApply, Err: fmt.Errorf("%s patches %s to %s, feed says %s to %s",
				step.FileName, pkg.FromVersion, pkg.ToVersion, step.BaseVersion, step.Version)}
		}

		out := u.store.StagingPath(step.Version)
		if err := delta.Apply(ctx, pkg, base, out); err != nil {
			cleanup()
			return "", classify(fmt.Errorf("apply %s: %w", step.FileName, err), KindPatchApply)
		}
		cleanup()
		intermediate, base = out, out
		r.log.Debug("delta applied", "step", i+1, "of", len(plan.Steps), "version", step.Version)
		r.prog.span(progressDownloaded, progressVerified, int64(i+1), int64(len(plan.Steps)))
	}

	want := plan.Steps[len(plan.Steps)-1].TreeHash
	if want == "" && plan.Full != nil {
		want = plan.Full.TreeHash
	}
	if err := verifyTree(base, want); err != nil {
		cleanup()
		return "", &Error{Kind: KindPatchApply, Err: err}
	}
	return base, nil
}

// versionMatches accepts containers that do not record a version.
func versionMatches(inPackage, inFeed string) bool {
	return inPackage == "" || catalog.SameVersion(inPackage, inFeed)
}

// verifyTree compares dir's tree hash with want. An empty want is accepted.
func verifyTree(dir, want string) error {
	if want == "" {
		return nil
	}
	got, err := delta.TreeHash(os.DirFS(dir))
	if err != nil {
		return fmt.Errorf("hash %s: %w", dir, err)
	}
	if got != want {
		return fmt.Errorf("%w: %s, want %s", ErrTreeMismatch, got, want)
	}
	return nil
}
