package model

const defaultTemplate = `# Water transfer system demo model.
classes:
  - name: Device
    abstract: true
    properties:
      - name: Manufacturer
        type: String
        description: The manufacturer of the device

  - name: Mechanical device
    base: Device
    abstract: true

  - name: Electrical device
    base: Device
    abstract: true

  - name: Tank
    base: Mechanical device
    properties:
      - name: Level
        type: Double
        unit: mm
        description: The water level inside the tank
        historized: true
      - name: Volume
        type: Double
        unit: m3
        description: The volume of the water tank

  - name: Pipe
    base: Mechanical device
    properties:
      - name: Diameter
        type: Double
        unit: cm
        description: The diameter of the pipe
      - name: Flow
        type: Double
        unit: l/min
        description: The current water flow through the pipe
        historized: true

  - name: Pump
    base: Electrical device
    properties:
      - name: Current power
        type: Double
        unit: W
        description: The current power of the pump
        historized: true
      - name: Nominal power
        type: Double
        unit: W
        description: The nominal power of the pump
      - name: Source tank
        type: GUID
        description: The tank that pump is pumping water from
        reference_target: Class:Tank.Path_Tank
      - name: Target tank
        type: GUID
        description: The tank that pump is pumping water into
        reference_target: Class:Tank.Path_Tank
      - name: Operational state
        type: String
        description: Tells whether the pump is running or not
        historized: true
        reference_target: Enumeration:65537.Binary Text(1)
      - name: Power state
        type: String
        description: Tells whether the pump is powered or not
        historized: true
        reference_target: Enumeration:65537.Binary Text(6)

instances:
  - name: Example site.Water transfer system.Tank area.Source tank
    class: Tank
    values:
      Volume: 1000
      Manufacturer: Tank Company
  - name: Example site.Water transfer system.Tank area.Target tank
    class: Tank
    values:
      Volume: 1000
      Manufacturer: Tank Company
  - name: Example site.Water transfer system.Pipe
    class: Pipe
    values:
      Diameter: 20
      Manufacturer: Pumps & Pipes Inc.
  - name: Example site.Water transfer system.Flowback pipe
    class: Pipe
    values:
      Diameter: 10
      Manufacturer: Pumps & Pipes Inc.
  - name: Example site.Water transfer system.Pump section.Pump
    class: Pump
    values:
      Source tank: {ref: Example site.Water transfer system.Tank area.Source tank}
      Target tank: {ref: Example site.Water transfer system.Tank area.Target tank}
      Nominal power: 1000
      Manufacturer: Pumps & Pipes Inc.
`
