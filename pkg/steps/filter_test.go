package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jdziat/scanflow/pkg/core"
)

func TestFormatBound(t *testing.T) {
	assert.Equal(t, "000000000042", FormatBound(42))
	assert.Equal(t, "000000000000", FormatBound(0))
	assert.Equal(t, "123456789012", FormatBound(123456789012))
}

func TestTask_Filter(t *testing.T) {
	task := Task{
		InstanceID: "inst-1",
		Range:      core.WorkRange{Lower: 1, Upper: 250},
		WorkDir:    "/tmp/exec-1",
		Parameters: map[string]string{"DB": "pfam", "RANGE_END": "ignored"},
	}

	assert.Equal(t,
		"/tmp/exec-1/proteins_000000000001_000000000250.fasta",
		task.Filter("[WORK_DIR]/proteins_[RANGE_START]_[RANGE_END].fasta"))
	assert.Equal(t, "--db=pfam --id=inst-1", task.Filter("--db=[DB] --id=[INSTANCE_ID]"))
	assert.Equal(t, "[UNKNOWN] stays", task.Filter("[UNKNOWN] stays"))
}

func TestTask_FilterAll(t *testing.T) {
	task := Task{Range: core.WorkRange{Lower: 7, Upper: 9}}
	in := []string{"hmmscan", "[RANGE_START]", "[RANGE_END]"}

	out := task.FilterAll(in)
	assert.Equal(t, []string{"hmmscan", "000000000007", "000000000009"}, out)
	assert.Equal(t, "[RANGE_START]", in[1], "input is not modified")
}

func TestValidateDeletePath(t *testing.T) {
	for _, p := range []string{"/data/out/raw_*", "[OUTPUT_DIR]/raw_[RANGE_START].*", "[DB]"} {
		assert.NoError(t, ValidateDeletePath(p), p)
	}
	for _, p := range []string{"raw_*.out", "./out", "[WORK_DIR]/out", "[RANGE_START].out", "[INSTANCE_ID]/x", "[]/x", "out/[DB]"} {
		assert.ErrorIs(t, ValidateDeletePath(p), ErrRelativePath, p)
	}
}
