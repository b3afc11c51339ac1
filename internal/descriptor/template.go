package descriptor

// baseTemplate is the fixed two-stage pipeline document handed to the
// downstream orchestration engine: one extraction stage, one load stage, one
// directed edge between them, a cron schedule and an engine tag.
//
// {{token}} placeholders are filled by Build; $-style expressions are
// orchestrator macros resolved at execution time and pass through verbatim.
const baseTemplate = `{
  "name": "{{name}}",
  "description": "Incremental sync of {{entity}} from SAP SuccessFactors into the raw layer.",
  "artifact": {
    "name": "cdap-data-pipeline",
    "version": "6.9.2",
    "scope": "SYSTEM"
  },
  "config": {
    "resources": {
      "memoryMB": 2048,
      "virtualCores": 1
    },
    "driverResources": {
      "memoryMB": 2048,
      "virtualCores": 1
    },
    "connections": [
      {
        "from": "SAP SuccessFactors",
        "to": "BigQuery"
      }
    ],
    "comments": [],
    "postActions": [],
    "properties": {},
    "processTimingEnabled": true,
    "stageLoggingEnabled": false,
    "stages": [
      {
        "name": "SAP SuccessFactors",
        "plugin": {
          "name": "SuccessFactors",
          "type": "batchsource",
          "label": "SAP SuccessFactors",
          "artifact": {
            "name": "successfactors-plugins",
            "version": "1.1.4",
            "scope": "USER"
          },
          "properties": {
            "referenceName": "{{entity}}",
            "entityName": "{{entity}}",
            "connection": "{{connection}}",
            "paginationType": "serverSide",
            "filterOption": "{{filter}}",
            "selectOption": "{{select}}",
            "schema": {{schema}}
          }
        },
        "outputSchema": [
          {
            "name": "etlSchemaBody",
            "schema": {{schema}}
          }
        ]
      },
      {
        "name": "BigQuery",
        "plugin": {
          "name": "BigQueryTable",
          "type": "batchsink",
          "label": "BigQuery",
          "artifact": {
            "name": "google-cloud",
            "version": "0.22.2",
            "scope": "SYSTEM"
          },
          "properties": {
            "connection": "${conn(BigQuery-Raw)}",
            "useConnection": "true",
            "dataset": "{{dataset}}",
            "table": "{{table}}",
            "bucket": "{{bucket}}",
            "operation": "upsert",
            "relationTableKey": "{{upsertKeys}}",
            "allowSchemaRelaxation": "false",
            "truncateTable": "false",
            "schema": {{schema}}
          }
        },
        "inputSchema": [
          {
            "name": "SAP SuccessFactors",
            "schema": {{schema}}
          }
        ],
        "outputSchema": [
          {
            "name": "etlSchemaBody",
            "schema": {{schema}}
          }
        ]
      }
    ],
    "schedule": "{{schedule}}",
    "engine": "spark",
    "numOfRecordsPreview": 100,
    "maxConcurrentRuns": 1
  }
}`
