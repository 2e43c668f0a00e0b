package orderq

import (
	"context"
	"embed"
	"fmt"
	"os"
)

//go:embed core/scripts/*.lua
var embeddedScripts embed.FS

type ScriptDef struct {
	SHA string
	Src string
}

type OrderqScripts struct {
	Enqueue        ScriptDef
	Claim          ScriptDef
	ReapExpired    ScriptDef
	PromoteRetries ScriptDef
	Complete       ScriptDef
	Incomplete     ScriptDef
	Promote        ScriptDef
	Requeue        ScriptDef
	Depths         ScriptDef
	Extend         ScriptDef
	Pause          ScriptDef
	Resume         ScriptDef
}

// LoadScripts registers every script with the store. An empty scriptsDir
// uses the embedded copies.
func LoadScripts(ctx context.Context, r RedisLike, scriptsDir string) (OrderqScripts, error) {
	loadOne := func(name string) (ScriptDef, error) {
		var src []byte
		var err error

		if scriptsDir == "" {
			src, err = embeddedScripts.ReadFile("core/scripts/" + name)
		} else {
			src, err = os.ReadFile(scriptsDir + "/" + name)
		}
		if err != nil {
			return ScriptDef{}, fmt.Errorf("read script %s: %w", name, err)
		}

		sha, err := r.ScriptLoad(ctx, string(src))
		if err != nil {
			return ScriptDef{}, fmt.Errorf("load script %s: %w", name, err)
		}

		return ScriptDef{
			SHA: sha,
			Src: string(src),
		}, nil
	}

	var err error
	s := OrderqScripts{}

	if s.Enqueue, err = loadOne("enqueue.lua"); err != nil {
		return s, err
	}
	if s.Claim, err = loadOne("claim.lua"); err != nil {
		return s, err
	}
	if s.ReapExpired, err = loadOne("reap_expired.lua"); err != nil {
		return s, err
	}
	if s.PromoteRetries, err = loadOne("promote_retries.lua"); err != nil {
		return s, err
	}
	if s.Complete, err = loadOne("complete.lua"); err != nil {
		return s, err
	}
	if s.Incomplete, err = loadOne("incomplete.lua"); err != nil {
		return s, err
	}
	if s.Promote, err = loadOne("promote.lua"); err != nil {
		return s, err
	}
	if s.Requeue, err = loadOne("requeue.lua"); err != nil {
		return s, err
	}
	if s.Depths, err = loadOne("depths.lua"); err != nil {
		return s, err
	}
	if s.Extend, err = loadOne("extend.lua"); err != nil {
		return s, err
	}
	if s.Pause, err = loadOne("pause.lua"); err != nil {
		return s, err
	}
	if s.Resume, err = loadOne("resume.lua"); err != nil {
		return s, err
	}

	return s, nil
}
