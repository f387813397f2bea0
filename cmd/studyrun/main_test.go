package main

import (
	"strings"
	"testing"
	"time"

	"rfstudy/params"
	"rfstudy/source"
	"rfstudy/study"
)

func namedSource(key, group string, ref bool) *source.Source {
	return &source.Source{
		Key:            key,
		CallSign:       "K" + key,
		Service:        params.ServiceTVFull,
		Channel:        20,
		FrequencyMHz:   509,
		Country:        params.CountryUS,
		Lat:            40,
		Lon:            -105,
		HeightAGLm:     100,
		AreaType:       source.AreaContourFCC,
		GroupKey:       group,
		IsDTSReference: ref,
	}
}

func TestScenarioKeysPartitionsDesireds(t *testing.T) {
	sources := []*source.Source{
		namedSource("3", "", false),
		namedSource("1", "", false),
		namedSource("2", "g1", true),  // dts reference
		namedSource("4", "g1", false), // dts member, studied through 2
		namedSource("5", "g2", false), // orphan group, dropped
	}
	keys := scenarioKeys(sources)
	if strings.Join(keys, ",") != "1,2,3" {
		t.Fatalf("scenario keys = %v", keys)
	}
}

func TestPrintReportSurfacesErrorTotals(t *testing.T) {
	sum := &study.Summary{RunID: "run-1"}
	st := sum.ForSource("100", "KAAA")
	st.Desired[params.CountryUS].Contour = study.Bucket{Count: 10, AreaKm2: 40, Population: 12345}
	st.Desired[params.CountryUS].Served = study.Bucket{Count: 9, AreaKm2: 36, Population: 12000}
	st.Desired[params.CountryUS].InterferenceFree = study.Bucket{Count: 8, AreaKm2: 32, Population: 11000}
	st.Desired[params.CountryUS].Error = study.Bucket{Count: 1, AreaKm2: 4}
	ut := sum.ForSource("200", "KBBB")
	ut.Undesired[params.CountryUS].TotalIX = study.Bucket{Count: 1, AreaKm2: 4, Population: 1000}
	ut.Undesired[params.CountryUS].UniqueIX = study.Bucket{Count: 1, AreaKm2: 4, Population: 1000}
	sum.ModelErrors = 2
	sum.DroppedDTSGroups = []string{"g9"}

	var out strings.Builder
	printReport(&out, "s1", sum, 2, 1500*time.Millisecond)
	text := out.String()
	for _, want := range []string{
		"study s1: 2 scenarios",
		"12,345",
		"total-ix",
		"unique-ix",
		"model errors: 2",
		"dropped dts groups: g9",
		"error",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("report missing %q:\n%s", want, text)
		}
	}
}
