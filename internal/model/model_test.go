package model

import (
	"strings"
	"testing"
)

func TestDefaultModelIsValid(t *testing.T) {
	m := Default()
	if err := m.Validate(); err != nil {
		t.Fatalf("default model invalid: %v", err)
	}
	if len(m.Classes) != 6 || len(m.Instances) != 5 {
		t.Fatalf("got %d classes and %d instances", len(m.Classes), len(m.Instances))
	}
	pump := m.Instances[4]
	ref := pump.Values["Source tank"].Ref
	if ref == nil || !strings.HasSuffix(ref.Name, "Source tank") {
		t.Fatalf("Source tank value = %+v", pump.Values["Source tank"])
	}
	if got := pump.Values["Nominal power"].Scalar; got != 1000 {
		t.Fatalf("Nominal power = %#v", got)
	}
}

func TestClassOrderPutsBasesFirst(t *testing.T) {
	m, err := FromYAML([]byte(`
classes:
  - name: Tank
    base: Mechanical device
  - name: Mechanical device
    base: Device
    abstract: true
  - name: Device
    abstract: true
  - name: Pump
`))
	if err != nil {
		t.Fatal(err)
	}
	order, err := m.ClassOrder()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, c := range order {
		names = append(names, c.Name)
	}
	if got := strings.Join(names, ","); got != "Device,Mechanical device,Tank,Pump" {
		t.Fatalf("order = %s", got)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown base": `
classes:
  - name: Tank
    base: Device`,
		"cycle": `
classes:
  - name: A
    base: B
  - name: B
    base: A`,
		"duplicate class": `
classes:
  - name: A
  - name: A`,
		"duplicate property": `
classes:
  - name: Tank
    properties:
      - {name: Level, type: Double}
      - {name: Level, type: Double}`,
		"unknown type": `
classes:
  - name: Tank
    properties:
      - {name: Level, type: Float}`,
		"missing type": `
classes:
  - name: Tank
    properties:
      - {name: Level}`,
		"abstract instance": `
classes:
  - name: Device
    abstract: true
instances:
  - {name: d, class: Device}`,
		"unknown property value": `
classes:
  - name: Tank
instances:
  - name: t
    class: Tank
    values:
      Level: 3`,
		"dangling ref": `
classes:
  - name: Pump
    properties:
      - {name: Source tank, reference_target: Class:Tank.Path_Tank}
instances:
  - name: p
    class: Pump
    values:
      Source tank: {ref: nowhere}`,
		"no classes": `instances: []`,
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestReferenceTargetMakesTypeOptional(t *testing.T) {
	_, err := FromYAML([]byte(`
classes:
  - name: Tank
  - name: Pump
    properties:
      - {name: Source tank, reference_target: Class:Tank.Path_Tank}
      - {name: State, reference_target: "Enumeration:65537.Binary Text(1)"}
`))
	if err != nil {
		t.Fatalf("expected valid model: %v", err)
	}
}

func TestVisiblePropertiesFollowInheritance(t *testing.T) {
	m := Default()
	props := m.VisibleProperties("Tank")
	if props["Manufacturer"] != "Device" || props["Volume"] != "Tank" {
		t.Fatalf("unexpected visible properties %v", props)
	}
	if _, ok := props["Flow"]; ok {
		t.Fatalf("Tank should not see Pipe's Flow")
	}
}

func TestAmbiguousRefNeedsClass(t *testing.T) {
	doc := `
classes:
  - name: Tank
  - name: Pipe
  - name: Pump
    properties:
      - {name: Source tank, reference_target: Class:Tank.Path_Tank}
instances:
  - {name: x, class: Tank}
  - {name: x, class: Pipe}
  - name: p
    class: Pump
    values:
      Source tank: {ref: x}
`
	if _, err := FromYAML([]byte(doc)); err == nil {
		t.Fatalf("expected ambiguity error")
	}
	fixed := strings.Replace(doc, "{ref: x}", "{ref: x, class: Tank}", 1)
	if _, err := FromYAML([]byte(fixed)); err != nil {
		t.Fatalf("qualified ref: %v", err)
	}
}

func TestCycleErrorNamesFullPath(t *testing.T) {
	m := &Model{Classes: []ClassSpec{
		{Name: "A", Base: "C"},
		{Name: "B", Base: "A"},
		{Name: "C", Base: "B"},
		{Name: "D"},
	}}
	_, err := m.ClassOrder()
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	if got, want := err.Error(), "inheritance cycle: [A C B A]"; got != want {
		t.Fatalf("error = %q, want %q", got, want)
	}
}
